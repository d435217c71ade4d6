// Package baseline models the last known synchronized state of both sides of
// a scope, the pivot of the three-way diff.
package baseline

import (
	"context"

	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// Entry records both sides of one path as of its last successful sync.
type Entry struct {
	Source     snapshot.FileState
	Target     snapshot.FileState
	SnapshotAt int64
}

// Side returns the recorded state of side.
func (e Entry) Side(side snapshot.Side) snapshot.FileState {
	if side == snapshot.Target {
		return e.Target
	}
	return e.Source
}

// Baseline maps relative paths to their last synchronized state.
type Baseline map[string]Entry

// Paths returns the set of paths in the baseline.
func (b Baseline) Paths() map[string]struct{} {
	out := make(map[string]struct{}, len(b))
	for p := range b {
		out[p] = struct{}{}
	}
	return out
}

// Store persists baselines per scope.
type Store interface {
	LoadBaseline(ctx context.Context, scope string) (Baseline, error)
	PutBaseline(ctx context.Context, scope, path string, e Entry) error
	DeleteBaseline(ctx context.Context, scope, path string) error
}
