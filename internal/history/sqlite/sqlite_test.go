package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/appmaker/internal/history"
)

func TestSQLiteSink_RoundTrip(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	events := []history.Event{
		{Type: history.EventRunStarted, OccurredAt: base, ProjectID: "p1", PID: 100, ExitCode: -1},
		{Type: history.EventRunExited, OccurredAt: base.Add(time.Second), ProjectID: "p1", PID: 100, ExitCode: 1},
		{Type: history.EventProblem, OccurredAt: base.Add(2 * time.Second), ProjectID: "p1", PID: 100, ExitCode: 1,
			ProblemType: "runtime_error", Message: "ValueError: boom"},
		{Type: history.EventRunStarted, OccurredAt: base, ProjectID: "p2", PID: 200, ExitCode: -1},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Recent(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, history.EventProblem, got[0].Type)
	require.Equal(t, "runtime_error", got[0].ProblemType)
	require.Equal(t, "ValueError: boom", got[0].Message)
	require.True(t, got[0].OccurredAt.Equal(events[2].OccurredAt))
	require.Equal(t, history.EventRunStarted, got[2].Type)
	require.Empty(t, got[2].Message)

	limited, err := sink.Recent(ctx, "p1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventRunStopped, ProjectID: "m", OccurredAt: time.Now()}))
	got, err := sink.Recent(context.Background(), "m", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
