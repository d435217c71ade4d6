// Package snapshot holds the in-memory listing of one side of a sync pair and
// the scanner that produces it.
package snapshot

import (
	"path/filepath"
	"sort"
)

// Side identifies one of the two trees of a sync pair.
type Side int

const (
	Source Side = iota
	Target
)

func (s Side) String() string {
	if s == Target {
		return "target"
	}
	return "source"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Source {
		return Target
	}
	return Source
}

// FileState is the observable state of one file on one side.
// Hash is empty until computed; an empty hash says nothing about existence.
type FileState struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modified_at"`
	Hash    string `json:"hash,omitempty"`
}

// SameMeta reports whether size and modification time match.
func (f FileState) SameMeta(o FileState) bool {
	return f.Size == o.Size && f.ModTime == o.ModTime
}

// Snapshot maps relative paths (slash separated) to file states for one root.
type Snapshot struct {
	Root  string
	Files map[string]FileState
}

// New returns an empty snapshot for root.
func New(root string) *Snapshot {
	return &Snapshot{Root: root, Files: make(map[string]FileState)}
}

// Add records f, replacing any previous state for its path.
func (s *Snapshot) Add(f FileState) {
	s.Files[f.Path] = f
}

// Get returns the state for path.
func (s *Snapshot) Get(path string) (FileState, bool) {
	f, ok := s.Files[path]
	return f, ok
}

// Len returns the number of files.
func (s *Snapshot) Len() int {
	return len(s.Files)
}

// Abs returns the absolute path of a relative path under the snapshot root.
func (s *Snapshot) Abs(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

// UnionPaths returns the sorted union of paths of the given snapshots and any
// extra path sets, without duplicates.
func UnionPaths(snaps []*Snapshot, extra ...map[string]struct{}) []string {
	seen := make(map[string]struct{})
	for _, s := range snaps {
		if s == nil {
			continue
		}
		for p := range s.Files {
			seen[p] = struct{}{}
		}
	}
	for _, m := range extra {
		for p := range m {
			seen[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
