// Package project stores generated projects on disk: one directory per project
// holding the generated files, a metadata file and the prompt history.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MetaFile    = "project.json"
	HistoryFile = "history.json"
)

var (
	ErrNotFound    = errors.New("project not found")
	ErrInvalidPath = errors.New("invalid project file path")
	ErrInvalidName = errors.New("project name must not be empty")
)

// Info describes a project.
type Info struct {
	ID        string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FileSet maps a relative path to file content.
type FileSet map[string]string

// Prompt kinds kept in the history.
const (
	EntryUser        = "user"
	EntryLLMResponse = "llm_response"
)

// Entry is one prompt or response in a project's history.
type Entry struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History is the on-disk prompt log of a project.
type History struct {
	ProjectName string  `json:"project_name"`
	Prompts     []Entry `json:"prompts"`
}

// Store keeps projects under a root directory.
type Store struct {
	root     string
	exclude  []string
	manifest string
	log      *slog.Logger

	mu sync.RWMutex
}

type Option func(*Store)

// WithExclusions replaces the patterns kept out of ReadAllFiles.
func WithExclusions(patterns []string) Option {
	return func(s *Store) { s.exclude = append([]string(nil), patterns...) }
}

// WithManifest names the dependency manifest that is always included.
func WithManifest(name string) Option { return func(s *Store) { s.manifest = name } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func NewStore(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create projects directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	s := &Store{root: abs, exclude: DefaultExclusions, manifest: "requirements.txt", log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

// Dir returns the directory of an existing project.
func (s *Store) Dir(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	dir := filepath.Join(s.root, id)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return dir, nil
}

// Create makes a new project with a fresh id and writes files into it.
func (s *Store) Create(ctx context.Context, name string, files FileSet) (Info, error) {
	info := Info{ID: uuid.NewString(), Name: strings.TrimSpace(name), CreatedAt: time.Now().UTC()}
	if info.Name == "" {
		info.Name = "Project " + info.ID[:8]
	}
	dir := filepath.Join(s.root, info.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	err := writeJSON(filepath.Join(dir, MetaFile), info)
	if err == nil {
		err = writeJSON(filepath.Join(dir, HistoryFile), History{ProjectName: info.Name, Prompts: []Entry{}})
	}
	s.mu.Unlock()
	if err != nil {
		_ = os.RemoveAll(dir)
		return Info{}, err
	}
	if err := s.UpdateFiles(ctx, info.ID, files); err != nil {
		_ = os.RemoveAll(dir)
		return Info{}, err
	}
	return info, nil
}

// UpdateFiles writes or overwrites files; files not named are left untouched.
// Entries naming bookkeeping files are skipped.
func (s *Store) UpdateFiles(_ context.Context, id string, files FileSet) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	for name, content := range files {
		rel, err := cleanRel(name)
		if err != nil {
			return err
		}
		if reserved(rel) {
			s.log.Warn("skipping reserved file from generated output", "project", id, "file", rel)
			continue
		}
		if err := writeFile(filepath.Join(dir, filepath.FromSlash(rel)), []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile saves a single file of the project.
func (s *Store) WriteFile(ctx context.Context, id, name, content string) error {
	rel, err := cleanRel(name)
	if err != nil {
		return err
	}
	if reserved(rel) {
		return fmt.Errorf("%w: %s is managed by the service", ErrInvalidPath, rel)
	}
	return s.UpdateFiles(ctx, id, FileSet{rel: content})
}

// ReadFile returns the content of a single project file.
func (s *Store) ReadFile(_ context.Context, id, name string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	rel, err := cleanRel(name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel))) // #nosec G304 -- rel is cleaned and confined to dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, rel)
		}
		return "", err
	}
	return string(b), nil
}

// ReadAllFiles returns the project's source files, skipping the environment,
// caches, bookkeeping files and excluded patterns. Keys use forward slashes.
func (s *Store) ReadAllFiles(_ context.Context, id string) (FileSet, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	out := FileSet{}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if s.excluded(rel+"/", true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.excluded(rel, false) {
			return nil
		}
		b, err := os.ReadFile(p) // #nosec G304 -- walking the project dir
		if err != nil {
			return err
		}
		out[rel] = string(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the project and everything in it.
func (s *Store) Delete(_ context.Context, id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(dir)
}

// Get returns the project's metadata.
func (s *Store) Get(_ context.Context, id string) (Info, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readInfo(id, dir), nil
}

// List returns all projects, newest first.
func (s *Store) List(_ context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		out = append(out, s.readInfo(e.Name(), filepath.Join(s.root, e.Name())))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// readInfo loads metadata, falling back to the history's name and the
// directory's modification time for projects without a metadata file.
func (s *Store) readInfo(id, dir string) Info {
	var info Info
	if err := readJSON(filepath.Join(dir, MetaFile), &info); err == nil && info.ID == id {
		return info
	}
	info = Info{ID: id, Name: id}
	var h History
	if err := readJSON(filepath.Join(dir, HistoryFile), &h); err == nil && h.ProjectName != "" {
		info.Name = h.ProjectName
	}
	if fi, err := os.Stat(dir); err == nil {
		info.CreatedAt = fi.ModTime().UTC()
	}
	return info
}

// Rename changes the display name of a project.
func (s *Store) Rename(_ context.Context, id, name string) (Info, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Info{}, ErrInvalidName
	}
	dir, err := s.Dir(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.readInfo(id, dir)
	info.Name = name
	if err := writeJSON(filepath.Join(dir, MetaFile), info); err != nil {
		return Info{}, err
	}
	h := s.loadHistory(id, dir)
	h.ProjectName = name
	return info, writeJSON(filepath.Join(dir, HistoryFile), h)
}

// AppendHistory adds entries to the project's prompt history.
func (s *Store) AppendHistory(_ context.Context, id string, entries ...Entry) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.loadHistory(id, dir)
	now := time.Now().UTC()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		h.Prompts = append(h.Prompts, e)
	}
	return writeJSON(filepath.Join(dir, HistoryFile), h)
}

// History returns the project's prompt history.
func (s *Store) History(_ context.Context, id string) (History, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return History{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadHistory(id, dir), nil
}

// loadHistory reads history.json; a missing or corrupted file yields an empty
// history named after the project.
func (s *Store) loadHistory(id, dir string) History {
	var h History
	err := readJSON(filepath.Join(dir, HistoryFile), &h)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("corrupted project history, starting over", "project", id, "error", err)
	}
	if err != nil {
		h = History{}
	}
	if h.ProjectName == "" {
		var info Info
		if readJSON(filepath.Join(dir, MetaFile), &info) == nil && info.Name != "" {
			h.ProjectName = info.Name
		} else {
			h.ProjectName = id
		}
	}
	if h.Prompts == nil {
		h.Prompts = []Entry{}
	}
	return h
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// cleanRel validates a project-relative path and returns it in slash form.
func cleanRel(name string) (string, error) {
	n := strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if n == "" || strings.HasPrefix(n, "/") || filepath.IsAbs(name) || (len(n) > 1 && n[1] == ':') {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	c := path.Clean(n)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	for _, part := range strings.Split(c, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
		}
	}
	return c, nil
}

func reserved(rel string) bool {
	switch rel {
	case MetaFile, HistoryFile, "problem.json":
		return true
	}
	return rel == ".venv" || strings.HasPrefix(rel, ".venv/")
}

func writeFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func writeJSON(p string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(p, b)
}

func readJSON(p string, v any) error {
	b, err := os.ReadFile(p) // #nosec G304 -- bookkeeping file inside a project dir
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
