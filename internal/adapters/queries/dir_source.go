// Package queries discovers and reads per-job query documents from a
// directory tree: one subdirectory per job name, one file per query.
package queries

import (
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/target/graph-relay/internal/core"
)

// DirSource serves query documents from a filesystem root.
type DirSource struct {
	fsys fs.FS
}

// NewDirSource returns a source rooted at the given directory.
func NewDirSource(root string) *DirSource {
	return &DirSource{fsys: os.DirFS(root)}
}

// NewFSSource returns a source backed by an arbitrary fs.FS, used in tests.
func NewFSSource(fsys fs.FS) *DirSource {
	return &DirSource{fsys: fsys}
}

// List returns the query document names for a job in lexical order. A
// missing job directory surfaces as fs.ErrNotExist; callers treat it as an
// empty set.
func (s *DirSource) List(job string) ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, job)
	if err != nil {
		return nil, fmt.Errorf("list queries for %s: %w", job, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of one query document.
func (s *DirSource) Read(job, name string) (string, error) {
	content, err := fs.ReadFile(s.fsys, job+"/"+name)
	if err != nil {
		return "", fmt.Errorf("read query %s/%s: %w", job, name, err)
	}
	return string(content), nil
}

var _ core.QuerySource = (*DirSource)(nil)
