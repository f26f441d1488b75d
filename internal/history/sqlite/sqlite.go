package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/appmaker/internal/history"
)

// Sink writes history events to a SQLite database and can read them back.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_history(
			occurred_at INTEGER NOT NULL,
			event TEXT NOT NULL,
			project_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			problem_type TEXT,
			message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_project ON run_history(project_id, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history(occurred_at, event, project_id, pid, exit_code, problem_type, message)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC().UnixNano(), string(e.Type), e.ProjectID, e.PID, e.ExitCode,
		nullable(e.ProblemType), nullable(e.Message))
	return err
}

// Recent returns up to limit events of projectID, newest first.
func (s *Sink) Recent(ctx context.Context, projectID string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, project_id, pid, exit_code, problem_type, message
		FROM run_history WHERE project_id = ?
		ORDER BY occurred_at DESC, rowid DESC LIMIT ?;`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e       history.Event
			at      int64
			typ     string
			pt, msg sql.NullString
		)
		if err := rows.Scan(&at, &typ, &e.ProjectID, &e.PID, &e.ExitCode, &pt, &msg); err != nil {
			return nil, err
		}
		e.OccurredAt = time.Unix(0, at).UTC()
		e.Type = history.EventType(typ)
		e.ProblemType = pt.String
		e.Message = msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
