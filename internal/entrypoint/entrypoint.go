// Package entrypoint selects the file to execute when a project is run.
package entrypoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Marker must be the exact first line of a file to designate it as the entry point.
const Marker = "# ENTRYPOINT"

// DefaultExt is the source extension of generated programs.
const DefaultExt = ".py"

var ErrNoEntrypoint = errors.New("no entrypoint found")

// maxFirstLine bounds how much of a candidate is read while looking for the marker.
const maxFirstLine = 4096

// Resolve returns the path of the file to execute in dir. Candidates are the
// top-level regular files ending in ext, considered in directory-listing order:
//  1. the first file whose first line is exactly Marker
//  2. main<ext>
//  3. run<ext>
//  4. the first candidate
func Resolve(dir, ext string) (string, error) {
	if ext == "" {
		ext = DefaultExt
	}
	candidates, err := sourceFiles(dir, ext)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoEntrypoint, dir)
	}
	for _, name := range candidates {
		ok, err := hasMarker(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		if ok {
			return filepath.Join(dir, name), nil
		}
	}
	for _, want := range []string{"main" + ext, "run" + ext} {
		for _, name := range candidates {
			if name == want {
				return filepath.Join(dir, name), nil
			}
		}
	}
	return filepath.Join(dir, candidates[0]), nil
}

func sourceFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list project dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) || len(name) == len(ext) {
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func hasMarker(path string) (bool, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from a listing of the project dir
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	line, err := bufio.NewReader(io.LimitReader(f, maxFirstLine)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line == Marker, nil
}
