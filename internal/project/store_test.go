package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return s
}

func TestCreateAndReadAll(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "Calculator", FileSet{
		"main.py":          "print('hi')",
		"ui/window.py":     "class W: pass",
		"requirements.txt": "requests\n",
		"README.md":        "# docs",
		"history.json":     "should be skipped",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "Calculator", info.Name)

	files, err := s.ReadAllFiles(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, FileSet{
		"main.py":          "print('hi')",
		"ui/window.py":     "class W: pass",
		"requirements.txt": "requests\n",
	}, files)

	h, err := s.History(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, "Calculator", h.ProjectName)
	assert.Empty(t, h.Prompts)
}

func TestReadAllSkipsEnvironment(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "x", FileSet{"main.py": "pass"})
	require.NoError(t, err)
	dir, err := s.Dir(info.ID)
	require.NoError(t, err)
	for _, p := range []string{".venv/bin/python", "__pycache__/main.cpython-312.pyc", "pkg/__pycache__/a.pyc", "app.log", "problem.json"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o600))
	}
	files, err := s.ReadAllFiles(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, FileSet{"main.py": "pass"}, files)
}

func TestUpdateFilesKeepsOthers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "x", FileSet{"main.py": "v1", "util.py": "u"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateFiles(ctx, info.ID, FileSet{"main.py": "v2", "new.py": "n"}))
	files, err := s.ReadAllFiles(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, FileSet{"main.py": "v2", "util.py": "u", "new.py": "n"}, files)
}

func TestPathSafety(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "x", nil)
	require.NoError(t, err)
	for _, bad := range []string{"../escape.py", "/etc/passwd", "a/../../b.py", "..", "", `..\win.py`} {
		err := s.UpdateFiles(ctx, info.ID, FileSet{bad: "x"})
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
	assert.ErrorIs(t, s.WriteFile(ctx, info.ID, "project.json", "{}"), ErrInvalidPath)
	_, err = os.Stat(filepath.Join(filepath.Dir(s.Root()), "escape.py"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWriteAndReadFile(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "x", nil)
	require.NoError(t, err)
	require.NoError(t, s.WriteFile(ctx, info.ID, "pkg/mod.py", "x = 1"))
	got, err := s.ReadFile(ctx, info.ID, "pkg/mod.py")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", got)
	_, err = s.ReadFile(ctx, info.ID, "missing.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirstAndRename(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "first", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	b, err := s.Create(ctx, "second", nil)
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)

	renamed, err := s.Rename(ctx, a.ID, "  Renamed ")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Name)
	h, err := s.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", h.ProjectName)

	_, err = s.Rename(ctx, a.ID, " ")
	assert.Error(t, err)
	_, err = s.Rename(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryAppendAndSelfHeal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "app", nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendHistory(ctx, info.ID,
		Entry{Type: EntryUser, Content: "make a calculator"},
		Entry{Type: EntryLLMResponse, Content: `{"files":{}}`}))
	h, err := s.History(ctx, info.ID)
	require.NoError(t, err)
	require.Len(t, h.Prompts, 2)
	assert.Equal(t, EntryUser, h.Prompts[0].Type)
	assert.False(t, h.Prompts[1].Timestamp.IsZero())

	dir, _ := s.Dir(info.ID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, HistoryFile), []byte("{not json"), 0o600))
	h, err = s.History(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, "app", h.ProjectName)
	assert.Empty(t, h.Prompts)

	require.NoError(t, s.AppendHistory(ctx, info.ID, Entry{Type: EntryUser, Content: "again"}))
	h, _ = s.History(ctx, info.ID)
	assert.Len(t, h.Prompts, 1)
}

func TestDeleteAndUnknown(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	info, err := s.Create(ctx, "x", FileSet{"main.py": "pass"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, info.ID))
	_, err = s.Dir(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, info.ID), ErrNotFound)
	_, err = s.Dir("../etc")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLegacyProjectWithoutMetadata(t *testing.T) {
	s := newStore(t)
	dir := filepath.Join(s.Root(), "legacy")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, HistoryFile), []byte(`{"project_name":"Old App","prompts":[]}`), 0o600))
	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Old App", list[0].Name)
	assert.Equal(t, "legacy", list[0].ID)
}
