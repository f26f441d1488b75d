package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { m.closed = true; return nil }

type queryableSink struct{ memSink }

func (q *queryableSink) Recent(_ context.Context, projectID string, limit int) ([]Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Event
	for i := len(q.events) - 1; i >= 0 && len(out) < limit; i-- {
		if q.events[i].ProjectID == projectID {
			out = append(out, q.events[i])
		}
	}
	return out, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	good := &memSink{}
	bad := &memSink{err: errors.New("down")}
	f := NewFanout(quiet(), bad, good)
	err := f.Send(context.Background(), Event{Type: EventRunStarted, ProjectID: "p"})
	if err == nil || err.Error() != "down" {
		t.Fatalf("err = %v", err)
	}
	if len(good.events) != 1 || good.events[0].OccurredAt.IsZero() {
		t.Fatalf("good sink events = %+v", good.events)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if !good.closed || !bad.closed {
		t.Fatal("sinks not closed")
	}
}

func TestFanoutRecent(t *testing.T) {
	f := NewFanout(quiet(), &memSink{})
	if _, err := f.Recent(context.Background(), "p", 5); !errors.Is(err, ErrNotQueryable) {
		t.Fatalf("err = %v", err)
	}
	q := &queryableSink{}
	f = NewFanout(quiet(), &memSink{}, q)
	for _, typ := range []EventType{EventRunStarted, EventProblem, EventRunExited} {
		_ = f.Send(context.Background(), Event{Type: typ, ProjectID: "p"})
	}
	_ = f.Send(context.Background(), Event{Type: EventRunStarted, ProjectID: "other"})
	got, err := f.Recent(context.Background(), "p", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Type != EventRunExited || got[1].Type != EventProblem {
		t.Fatalf("recent = %+v", got)
	}
}
