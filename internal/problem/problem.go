// Package problem persists the single failure record kept per project and
// classifies early exits of launched programs.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileName is the per-project slot holding the current problem.
const FileName = "problem.json"

// Type classifies a problem. Values are part of the HTTP contract.
type Type string

const (
	TypeRuntimeError        Type = "runtime_error"
	TypeUnknownAppError     Type = "unknown_app_error"
	TypeNoEntrypoint        Type = "no_entrypoint"
	TypeLaunchError         Type = "launch_error"
	TypeEnvironmentCreation Type = "environment_creation_error"
	TypeDependencyInstall   Type = "dependency_install_error"
	TypeRequirementsInstall Type = "requirements_install_error"
)

// Problem describes why the most recent run of a project failed to stay up.
type Problem struct {
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps a problem with the current UTC time.
func New(t Type, message, details string) Problem {
	return Problem{Type: t, Message: message, Details: details, Timestamp: time.Now().UTC()}
}

var ErrInvalidID = errors.New("invalid project id")

// Recorder stores problems as JSON files under root/<project-id>/problem.json.
// All operations treat a missing record as the normal empty state.
type Recorder struct {
	root string
	log  *slog.Logger
}

func NewRecorder(root string, l *slog.Logger) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	return &Recorder{root: root, log: l}
}

func (r *Recorder) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(r.root, id, FileName), nil
}

// Save overwrites the project's problem atomically.
func (r *Recorder) Save(id string, p Problem) error {
	path, err := r.path(id)
	if err != nil {
		return err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal problem: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write problem: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit problem: %w", err)
	}
	return nil
}

// Get returns the current problem or nil when none is recorded. An unreadable
// record is deleted and reported as absent.
func (r *Recorder) Get(id string) (*Problem, error) {
	path, err := r.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read problem: %w", err)
	}
	var p Problem
	if err := json.Unmarshal(b, &p); err != nil || p.Type == "" {
		r.log.Warn("discarding corrupted problem record", "project", id, "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.log.Warn("failed to remove corrupted problem record", "path", path, "error", rmErr)
		}
		return nil, nil
	}
	return &p, nil
}

// Clear removes the project's problem if present.
func (r *Recorder) Clear(id string) error {
	path, err := r.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear problem: %w", err)
	}
	return nil
}
