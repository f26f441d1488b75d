// Package history exports run lifecycle events of supervised applications to
// external stores for later analysis.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventRunStarted EventType = "run_started"
	EventRunStopped EventType = "run_stopped" // terminated by Stop or a superseding Run
	EventRunExited  EventType = "run_exited"  // exited on its own
	EventProblem    EventType = "problem"
)

// Event is one lifecycle event of a project's run.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	ProjectID   string    `json:"project_id"`
	PID         int       `json:"pid"`
	ExitCode    int       `json:"exit_code"`
	ProblemType string    `json:"problem_type,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is implemented by sinks that can read events back.
type Querier interface {
	Recent(ctx context.Context, projectID string, limit int) ([]Event, error)
}

// ErrNotQueryable is returned when no configured sink supports reads.
var ErrNotQueryable = errors.New("history store does not support queries")

// Fanout delivers every event to all sinks. Delivery errors are logged and
// joined; one failing sink does not block the others.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

func NewFanout(l *slog.Logger, sinks ...Sink) *Fanout {
	if l == nil {
		l = slog.Default()
	}
	return &Fanout{sinks: sinks, log: l}
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			f.log.Warn("history sink send failed", "type", e.Type, "project", e.ProjectID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recent reads from the first sink that supports queries.
func (f *Fanout) Recent(ctx context.Context, projectID string, limit int) ([]Event, error) {
	for _, s := range f.sinks {
		if q, ok := s.(Querier); ok {
			return q.Recent(ctx, projectID, limit)
		}
	}
	return nil, ErrNotQueryable
}

// Close closes every sink that is closeable.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Len() int { return len(f.sinks) }
