// Package diff compares two snapshots, optionally against a baseline, and
// classifies every path into a sync action.
package diff

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// Action is what has to happen to a path.
type Action int

const (
	Unchanged Action = iota
	Add
	Remove
	Update
	Conflict
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Update:
		return "update"
	case Conflict:
		return "conflict"
	default:
		return "unchanged"
	}
}

// Direction is the way a change propagates. For Remove it names the side the
// deletion happened on, so SourceToTarget deletes from the target.
type Direction int

const (
	SourceToTarget Direction = iota
	TargetToSource
	Both
)

func (d Direction) String() string {
	switch d {
	case TargetToSource:
		return "target->source"
	case Both:
		return "both"
	default:
		return "source->target"
	}
}

// From returns the side data is read from.
func (d Direction) From() snapshot.Side {
	if d == TargetToSource {
		return snapshot.Target
	}
	return snapshot.Source
}

// To returns the side that is modified.
func (d Direction) To() snapshot.Side {
	return d.From().Other()
}

// ConflictKind explains why a path could not be classified automatically.
type ConflictKind int

const (
	BothModified ConflictKind = iota
	DeletedAndModified
	FirstSyncDiffers
)

func (k ConflictKind) String() string {
	switch k {
	case DeletedAndModified:
		return "deleted-and-modified"
	case FirstSyncDiffers:
		return "first-sync-differs"
	default:
		return "both-modified"
	}
}

// Entry is the classification of one relative path.
type Entry struct {
	Path      string
	Action    Action
	Direction Direction
	Source    *snapshot.FileState
	Target    *snapshot.FileState

	// Origin is the path read on the origin side when it differs from Path.
	// With RenameOrigin set the origin file is first renamed to Path on its
	// own side, then copied across.
	Origin       string
	RenameOrigin bool

	// Rebase marks an Unchanged entry whose baseline row must be (re)written.
	Rebase bool
}

// Info returns the state recorded for side, or nil when absent.
func (e Entry) Info(side snapshot.Side) *snapshot.FileState {
	if side == snapshot.Target {
		return e.Target
	}
	return e.Source
}

// OriginPath returns the path read on the origin side.
func (e Entry) OriginPath() string {
	if e.Origin != "" {
		return e.Origin
	}
	return e.Path
}

// IsFileOp reports whether executing the entry touches the file system.
func (e Entry) IsFileOp() bool {
	return e.Action == Add || e.Action == Update || e.Action == Remove
}

// ConflictRecord carries both sides of a conflicting path for a human or a
// policy to decide on.
type ConflictRecord struct {
	Path   string
	Kind   ConflictKind
	Source *snapshot.FileState
	Target *snapshot.FileState
}

// Result is the outcome of a diff: one entry per path in the union of both
// sides, plus the conflicts among them.
type Result struct {
	Entries   []Entry
	Conflicts []ConflictRecord

	// Stale lists baseline paths that are gone from both sides.
	Stale []string
	// Skipped lists conflict paths dropped by resolution.
	Skipped []string
}

// Summary counts entries per action.
type Summary struct {
	Add       int
	Remove    int
	Update    int
	Unchanged int
	Conflict  int
}

// Summary counts the entries of r by action.
func (r *Result) Summary() Summary {
	var s Summary
	for _, e := range r.Entries {
		switch e.Action {
		case Add:
			s.Add++
		case Remove:
			s.Remove++
		case Update:
			s.Update++
		case Conflict:
			s.Conflict++
		default:
			s.Unchanged++
		}
	}
	return s
}

// Changes returns the number of entries that modify the file system.
func (s Summary) Changes() int {
	return s.Add + s.Remove + s.Update
}

// Lookup returns the first entry for path.
func (r *Result) Lookup(path string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// FileOps returns the entries that modify the file system, in order.
func (r *Result) FileOps() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.IsFileOp() {
			out = append(out, e)
		}
	}
	return out
}

// SortEntries orders entries by the path they originate from, then by
// Path. An entry renaming its origin sorts before entries reading that path.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.OriginPath() != b.OriginPath() {
			return a.OriginPath() < b.OriginPath()
		}
		if a.RenameOrigin != b.RenameOrigin {
			return a.RenameOrigin
		}
		return a.Path < b.Path
	})
}

// HashResolver resolves the content hash of a file on one side.
type HashResolver interface {
	Hash(ctx context.Context, side snapshot.Side, f snapshot.FileState) (string, error)
}

// Options tunes a diff run.
type Options struct {
	// PreserveOrphans keeps target-only files in one-way mode.
	PreserveOrphans bool
	Sink            progress.Sink
	Logger          *zap.SugaredLogger
}

func (o Options) sink() progress.Sink {
	return progress.OrDiscard(o.Sink)
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// comparePair hashes both files and reports whether their content matches.
// The computed hashes are stored on s and t.
func comparePair(ctx context.Context, hashes HashResolver, s, t *snapshot.FileState) (bool, error) {
	sh, err := hashes.Hash(ctx, snapshot.Source, *s)
	if err != nil {
		return false, err
	}
	s.Hash = sh
	th, err := hashes.Hash(ctx, snapshot.Target, *t)
	if err != nil {
		return false, err
	}
	t.Hash = th
	return sh == th, nil
}

func ref(f snapshot.FileState) *snapshot.FileState {
	return &f
}
