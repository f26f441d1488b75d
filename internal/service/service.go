// Package service ties prompt handling to project storage: it calls the model,
// writes the returned files and keeps history and problem state consistent.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/loykin/appmaker/internal/llm"
	"github.com/loykin/appmaker/internal/logger"
	"github.com/loykin/appmaker/internal/problem"
	"github.com/loykin/appmaker/internal/project"
)

const maxNameLen = 48

var (
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	ErrNoProblem   = errors.New("project has no recorded problem")
)

// Runner is the part of the supervisor the service needs.
type Runner interface {
	StopProject(ctx context.Context, projectID string) (bool, error)
}

type Service struct {
	store    *project.Store
	gen      llm.Generator
	problems *problem.Recorder
	runner   Runner
	activity *logger.Activity
	log      *slog.Logger
}

func New(store *project.Store, gen llm.Generator, problems *problem.Recorder, r Runner, activity *logger.Activity, l *slog.Logger) *Service {
	if l == nil {
		l = slog.Default()
	}
	return &Service{store: store, gen: gen, problems: problems, runner: r, activity: activity, log: l}
}

// GenerateInput selects the model and carries the user's instruction.
type GenerateInput struct {
	Prompt   string
	Provider string
	Model    string
}

// Generated is the outcome of a generation round.
type Generated struct {
	Info  project.Info
	Files project.FileSet
}

// Create asks the model for a new application and stores it as a project.
func (s *Service) Create(ctx context.Context, in GenerateInput) (Generated, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return Generated{}, ErrEmptyPrompt
	}
	s.activity.Clear()
	s.activity.Add("generating new project", "provider", in.Provider, "model", in.Model)
	res, err := s.gen.Generate(ctx, llm.Request{Provider: in.Provider, Model: in.Model, Prompt: prompt})
	if err != nil {
		s.activity.Warn("generation failed", "error", err)
		return Generated{}, err
	}
	info, err := s.store.Create(ctx, NameFromPrompt(prompt), res.Files)
	if err != nil {
		return Generated{}, fmt.Errorf("failed to save project: %w", err)
	}
	s.appendRound(ctx, info.ID, prompt, res.Raw)
	s.activity.Add("project created", "project", info.ID, "files", len(res.Files))
	files, err := s.store.ReadAllFiles(ctx, info.ID)
	if err != nil {
		return Generated{}, err
	}
	return Generated{Info: info, Files: files}, nil
}

// Generate updates an existing project, sending its current files as context.
func (s *Service) Generate(ctx context.Context, id string, in GenerateInput) (Generated, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return Generated{}, ErrEmptyPrompt
	}
	return s.update(ctx, id, prompt, in)
}

// Fix asks the model to repair the project's recorded problem.
func (s *Service) Fix(ctx context.Context, id, instructions string, in GenerateInput) (Generated, error) {
	if _, err := s.store.Dir(id); err != nil {
		return Generated{}, err
	}
	p, err := s.problems.Get(id)
	if err != nil {
		return Generated{}, err
	}
	if p == nil {
		return Generated{}, ErrNoProblem
	}
	prompt := llm.FixPrompt(*p, instructions)
	return s.update(ctx, id, prompt, in)
}

func (s *Service) update(ctx context.Context, id, prompt string, in GenerateInput) (Generated, error) {
	current, err := s.store.ReadAllFiles(ctx, id)
	if err != nil {
		return Generated{}, err
	}
	s.activity.Clear()
	s.activity.Add("updating project", "project", id, "provider", in.Provider, "model", in.Model, "context_files", len(current))
	res, err := s.gen.Generate(ctx, llm.Request{Provider: in.Provider, Model: in.Model, Prompt: prompt, Files: current})
	if err != nil {
		s.activity.Warn("generation failed", "project", id, "error", err)
		return Generated{}, err
	}
	if err := s.store.UpdateFiles(ctx, id, res.Files); err != nil {
		return Generated{}, fmt.Errorf("failed to save project files: %w", err)
	}
	s.appendRound(ctx, id, prompt, res.Raw)
	if err := s.problems.Clear(id); err != nil {
		s.log.Warn("failed to clear problem", "project", id, "error", err)
	}
	s.activity.Add("project updated", "project", id, "files", len(res.Files))
	info, err := s.store.Get(ctx, id)
	if err != nil {
		return Generated{}, err
	}
	files, err := s.store.ReadAllFiles(ctx, id)
	if err != nil {
		return Generated{}, err
	}
	return Generated{Info: info, Files: files}, nil
}

func (s *Service) appendRound(ctx context.Context, id, prompt, reply string) {
	err := s.store.AppendHistory(ctx, id,
		project.Entry{Type: project.EntryUser, Content: prompt},
		project.Entry{Type: project.EntryLLMResponse, Content: reply})
	if err != nil {
		s.log.Warn("failed to append history", "project", id, "error", err)
	}
}

func (s *Service) List(ctx context.Context) ([]project.Info, error) { return s.store.List(ctx) }

// Get returns the project's metadata and source files.
func (s *Service) Get(ctx context.Context, id string) (Generated, error) {
	info, err := s.store.Get(ctx, id)
	if err != nil {
		return Generated{}, err
	}
	files, err := s.store.ReadAllFiles(ctx, id)
	if err != nil {
		return Generated{}, err
	}
	return Generated{Info: info, Files: files}, nil
}

func (s *Service) Rename(ctx context.Context, id, name string) (project.Info, error) {
	return s.store.Rename(ctx, id, name)
}

func (s *Service) History(ctx context.Context, id string) (project.History, error) {
	return s.store.History(ctx, id)
}

// SaveFile stores a file edited by the user.
func (s *Service) SaveFile(ctx context.Context, id, path, content string) error {
	if err := s.store.WriteFile(ctx, id, path, content); err != nil {
		return err
	}
	s.activity.Add("file saved", "project", id, "file", path)
	return nil
}

func (s *Service) ReadFile(ctx context.Context, id, path string) (string, error) {
	return s.store.ReadFile(ctx, id, path)
}

// Problem returns the recorded problem of a project, nil when there is none.
func (s *Service) Problem(_ context.Context, id string) (*problem.Problem, error) {
	if _, err := s.store.Dir(id); err != nil {
		return nil, err
	}
	return s.problems.Get(id)
}

// Delete stops the project if it is running and removes it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.Dir(id); err != nil {
		return err
	}
	if s.runner != nil {
		if stopped, err := s.runner.StopProject(ctx, id); err != nil {
			return fmt.Errorf("failed to stop running project: %w", err)
		} else if stopped {
			s.activity.Add("stopped running project before delete", "project", id)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.activity.Add("project deleted", "project", id)
	return nil
}

func (s *Service) LLMOptions() map[string][]string { return s.gen.Options() }

// NameFromPrompt derives a display name from the first line of a prompt.
func NameFromPrompt(prompt string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(prompt), "\n", 2)[0])
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= maxNameLen {
		return line
	}
	r := []rune(line)[:maxNameLen]
	return strings.TrimSpace(string(r)) + "..."
}
