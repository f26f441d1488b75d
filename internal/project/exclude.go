package project

import (
	"path"
	"strings"
)

// DefaultExclusions keeps the environment, caches, bookkeeping files and
// prose out of the context handed to the model. Patterns ending in "/" match
// directories at any depth; others are matched against the base name.
var DefaultExclusions = []string{
	".venv/",
	"venv/",
	"__pycache__/",
	".git/",
	"node_modules/",
	MetaFile,
	HistoryFile,
	"problem.json",
	"*.log",
	"*.md",
	"*.txt",
	"*.pyc",
	"*.tmp",
}

// excluded reports whether rel (slash separated, directories with a trailing
// slash) is kept out of ReadAllFiles. The dependency manifest is always kept.
func (s *Store) excluded(rel string, dir bool) bool {
	if !dir && s.manifest != "" && rel == s.manifest {
		return false
	}
	base := path.Base(strings.TrimSuffix(rel, "/"))
	for _, p := range s.exclude {
		if strings.HasSuffix(p, "/") {
			if dir && base == strings.TrimSuffix(p, "/") {
				return true
			}
			continue
		}
		if dir {
			continue
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}
