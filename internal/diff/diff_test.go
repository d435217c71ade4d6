package diff

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/schaermu/foldersyncd/internal/baseline"
	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// fakeHashes serves hashes from a table keyed by side and path and counts
// lookups.
type fakeHashes struct {
	source map[string]string
	target map[string]string
	fail   map[string]bool
	calls  int
}

func (f *fakeHashes) Hash(_ context.Context, side snapshot.Side, fs snapshot.FileState) (string, error) {
	f.calls++
	if f.fail[fs.Path] {
		return "", errors.New("read failed")
	}
	if side == snapshot.Target {
		return f.target[fs.Path], nil
	}
	return f.source[fs.Path], nil
}

func snap(root string, files ...snapshot.FileState) *snapshot.Snapshot {
	s := snapshot.New(root)
	for _, f := range files {
		s.Add(f)
	}
	return s
}

func fs(path string, size, mtime int64) snapshot.FileState {
	return snapshot.FileState{Path: path, Size: size, ModTime: mtime}
}

func TestOneWay_Classification(t *testing.T) {
	source := snap("/src",
		fs("new.txt", 10, 100),
		fs("same.txt", 20, 200),
		fs("touched.txt", 30, 300),
		fs("edited.txt", 40, 400),
	)
	target := snap("/dst",
		fs("same.txt", 20, 200),
		fs("touched.txt", 30, 999),
		fs("edited.txt", 41, 400),
		fs("orphan.txt", 5, 50),
	)
	hashes := &fakeHashes{
		source: map[string]string{"touched.txt": "aa", "edited.txt": "bb"},
		target: map[string]string{"touched.txt": "aa", "edited.txt": "cc"},
	}

	res, err := OneWay(context.Background(), source, target, hashes, Options{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	require.Len(t, res.Entries, 5)

	want := map[string]struct {
		action Action
		dir    Direction
	}{
		"edited.txt":  {Update, SourceToTarget},
		"new.txt":     {Add, SourceToTarget},
		"orphan.txt":  {Remove, SourceToTarget},
		"same.txt":    {Unchanged, Both},
		"touched.txt": {Unchanged, Both},
	}
	for _, e := range res.Entries {
		w, ok := want[e.Path]
		require.True(t, ok, "unexpected path %s", e.Path)
		assert.Equal(t, w.action, e.Action, e.Path)
		assert.Equal(t, w.dir, e.Direction, e.Path)
		assert.Equal(t, w.action == Unchanged, e.Rebase, "%s: unchanged pairs are recorded in the baseline", e.Path)
	}

	assert.Equal(t, 4, hashes.calls, "only the two metadata mismatches are hashed")
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, Summary{Add: 1, Remove: 1, Update: 1, Unchanged: 2}, res.Summary())

	e, ok := res.Lookup("edited.txt")
	require.True(t, ok)
	assert.Equal(t, "bb", e.Source.Hash)
	assert.Equal(t, "cc", e.Target.Hash)
}

func TestOneWay_PreserveOrphans(t *testing.T) {
	source := snap("/src")
	target := snap("/dst", fs("keep.txt", 1, 1))

	res, err := OneWay(context.Background(), source, target, &fakeHashes{}, Options{PreserveOrphans: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, Unchanged, res.Entries[0].Action)
	assert.False(t, res.Entries[0].Rebase, "an orphan has no source side to record")
	assert.Empty(t, res.FileOps())
}

func TestOneWay_HashFailureCountsAsUpdate(t *testing.T) {
	source := snap("/src", fs("a", 1, 1))
	target := snap("/dst", fs("a", 1, 2))

	res, err := OneWay(context.Background(), source, target, &fakeHashes{fail: map[string]bool{"a": true}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, Update, res.Entries[0].Action)
}

func TestOneWay_IdenticalTreesNeedNoHashing(t *testing.T) {
	files := []snapshot.FileState{fs("a", 1, 1), fs("b/c", 2, 2), fs("b/d/e", 3, 3)}
	hashes := &fakeHashes{}

	res, err := OneWay(context.Background(), snap("/src", files...), snap("/dst", files...), hashes, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary().Unchanged)
	assert.Zero(t, res.Summary().Changes())
	assert.Zero(t, hashes.calls)
}

func TestOneWay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OneWay(ctx, snap("/src", fs("a", 1, 1)), snap("/dst"), &fakeHashes{}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOneWay_EmitsProgress(t *testing.T) {
	var events []progress.Event
	sink := progress.Func(func(e progress.Event) { events = append(events, e) })

	_, err := OneWay(context.Background(), snap("/src", fs("a", 1, 1), fs("b", 1, 1)), snap("/dst"), &fakeHashes{}, Options{Sink: sink})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, progress.DiffProgress{FilesCompared: 2, TotalFiles: 2, CurrentFile: "b"}, events[1])
	assert.Equal(t, progress.DiffComplete{TotalEntries: 2}, events[2])
}

func TestThreeWay_ProgressSkipsStalePaths(t *testing.T) {
	var events []progress.Event
	sink := progress.Func(func(e progress.Event) { events = append(events, e) })

	base := baseline.Baseline{"ghost": {Source: fs("ghost", 1, 1), Target: fs("ghost", 1, 1)}}
	res, err := ThreeWay(context.Background(), snap("/src", fs("a", 1, 1)), snap("/dst", fs("b", 1, 1)), base, &fakeHashes{}, Options{Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, res.Stale)

	require.Len(t, events, 3)
	assert.Equal(t, progress.DiffProgress{FilesCompared: 1, TotalFiles: 2, CurrentFile: "a"}, events[0])
	assert.Equal(t, progress.DiffProgress{FilesCompared: 2, TotalFiles: 2, CurrentFile: "b"}, events[1])
}

func TestThreeWay_Table(t *testing.T) {
	base := baseline.Entry{Source: fs("f", 100, 1000), Target: fs("f", 100, 1000)}

	tests := []struct {
		name     string
		source   *snapshot.FileState
		target   *snapshot.FileState
		base     *baseline.Entry
		hashes   *fakeHashes
		action   Action
		dir      Direction
		kind     ConflictKind
		rebase   bool
		stale    bool
		hashHits int
	}{
		{
			name:   "source only without baseline is added to target",
			source: ref(fs("f", 100, 1000)),
			action: Add, dir: SourceToTarget,
		},
		{
			name:   "target only without baseline is added to source",
			target: ref(fs("f", 100, 1000)),
			action: Add, dir: TargetToSource,
		},
		{
			name:   "first sync with equal metadata is adopted",
			source: ref(fs("f", 100, 1000)),
			target: ref(fs("f", 100, 1000)),
			action: Unchanged, dir: Both, rebase: true,
		},
		{
			name:   "first sync with equal content is adopted",
			source: ref(fs("f", 100, 1000)),
			target: ref(fs("f", 100, 2000)),
			hashes: &fakeHashes{source: map[string]string{"f": "x"}, target: map[string]string{"f": "x"}},
			action: Unchanged, dir: Both, rebase: true, hashHits: 2,
		},
		{
			name:   "first sync with different content conflicts",
			source: ref(fs("f", 100, 1000)),
			target: ref(fs("f", 200, 1000)),
			hashes: &fakeHashes{source: map[string]string{"f": "x"}, target: map[string]string{"f": "y"}},
			action: Conflict, dir: Both, kind: FirstSyncDiffers, hashHits: 2,
		},
		{
			name:   "nothing changed",
			source: ref(fs("f", 100, 1000)),
			target: ref(fs("f", 100, 1000)),
			base:   &base,
			action: Unchanged, dir: Both,
		},
		{
			name:   "source changed",
			source: ref(fs("f", 120, 1100)),
			target: ref(fs("f", 100, 1000)),
			base:   &base,
			action: Update, dir: SourceToTarget,
		},
		{
			name:   "target changed",
			source: ref(fs("f", 100, 1000)),
			target: ref(fs("f", 100, 1200)),
			base:   &base,
			action: Update, dir: TargetToSource,
		},
		{
			name:   "both changed to the same metadata",
			source: ref(fs("f", 150, 1500)),
			target: ref(fs("f", 150, 1500)),
			base:   &base,
			action: Unchanged, dir: Both, rebase: true,
		},
		{
			name:   "both changed to the same content",
			source: ref(fs("f", 150, 1500)),
			target: ref(fs("f", 150, 1600)),
			base:   &base,
			hashes: &fakeHashes{source: map[string]string{"f": "z"}, target: map[string]string{"f": "z"}},
			action: Unchanged, dir: Both, rebase: true, hashHits: 2,
		},
		{
			name:   "both changed differently",
			source: ref(fs("f", 150, 1500)),
			target: ref(fs("f", 160, 1600)),
			base:   &base,
			hashes: &fakeHashes{source: map[string]string{"f": "s"}, target: map[string]string{"f": "t"}},
			action: Conflict, dir: Both, kind: BothModified, hashHits: 2,
		},
		{
			name:   "deleted on source, untouched on target",
			target: ref(fs("f", 100, 1000)),
			base:   &base,
			action: Remove, dir: SourceToTarget,
		},
		{
			name:   "deleted on target, untouched on source",
			source: ref(fs("f", 100, 1000)),
			base:   &base,
			action: Remove, dir: TargetToSource,
		},
		{
			name:   "deleted on source, modified on target",
			target: ref(fs("f", 100, 1300)),
			base:   &base,
			action: Conflict, dir: Both, kind: DeletedAndModified,
		},
		{
			name:   "deleted on target, modified on source",
			source: ref(fs("f", 110, 1000)),
			base:   &base,
			action: Conflict, dir: Both, kind: DeletedAndModified,
		},
		{
			name:  "deleted on both sides",
			base:  &base,
			stale: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, target := snap("/src"), snap("/dst")
			if tt.source != nil {
				source.Add(*tt.source)
			}
			if tt.target != nil {
				target.Add(*tt.target)
			}
			b := baseline.Baseline{}
			if tt.base != nil {
				b["f"] = *tt.base
			}
			hashes := tt.hashes
			if hashes == nil {
				hashes = &fakeHashes{}
			}

			res, err := ThreeWay(context.Background(), source, target, b, hashes, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.hashHits, hashes.calls, "hash lookups")

			if tt.stale {
				assert.Empty(t, res.Entries)
				assert.Equal(t, []string{"f"}, res.Stale)
				return
			}

			require.Len(t, res.Entries, 1)
			e := res.Entries[0]
			assert.Equal(t, tt.action, e.Action)
			assert.Equal(t, tt.dir, e.Direction)
			assert.Equal(t, tt.rebase, e.Rebase)

			if tt.action == Conflict {
				require.Len(t, res.Conflicts, 1)
				assert.Equal(t, tt.kind, res.Conflicts[0].Kind)
				assert.Equal(t, "f", res.Conflicts[0].Path)
			} else {
				assert.Empty(t, res.Conflicts)
			}
		})
	}
}

func TestThreeWay_HashFailureBecomesConflict(t *testing.T) {
	base := baseline.Baseline{"f": {Source: fs("f", 1, 1), Target: fs("f", 1, 1)}}
	source := snap("/src", fs("f", 2, 2))
	target := snap("/dst", fs("f", 3, 3))

	res, err := ThreeWay(context.Background(), source, target, base, &fakeHashes{fail: map[string]bool{"f": true}}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, BothModified, res.Conflicts[0].Kind)
}

func TestThreeWay_Idempotent(t *testing.T) {
	files := []snapshot.FileState{fs("a", 1, 10), fs("dir/b", 2, 20)}
	base := baseline.Baseline{}
	for _, f := range files {
		base[f.Path] = baseline.Entry{Source: f, Target: f}
	}

	res, err := ThreeWay(context.Background(), snap("/src", files...), snap("/dst", files...), base, &fakeHashes{}, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Summary().Changes())
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Stale)
	for _, e := range res.Entries {
		assert.False(t, e.Rebase)
	}
}

func TestThreeWay_EveryPathClassifiedOnce(t *testing.T) {
	base := baseline.Baseline{
		"kept":    {Source: fs("kept", 1, 1), Target: fs("kept", 1, 1)},
		"gone":    {Source: fs("gone", 1, 1), Target: fs("gone", 1, 1)},
		"src-del": {Source: fs("src-del", 1, 1), Target: fs("src-del", 1, 1)},
	}
	source := snap("/src", fs("kept", 1, 1), fs("new-src", 1, 1), fs("both", 1, 1))
	target := snap("/dst", fs("kept", 1, 1), fs("new-dst", 1, 1), fs("src-del", 1, 1), fs("both", 2, 2))
	hashes := &fakeHashes{source: map[string]string{"both": "1"}, target: map[string]string{"both": "2"}}

	res, err := ThreeWay(context.Background(), source, target, base, hashes, Options{})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, e := range res.Entries {
		seen[e.Path]++
	}
	for _, p := range res.Stale {
		seen[p]++
	}
	assert.Equal(t, map[string]int{
		"both": 1, "gone": 1, "kept": 1, "new-dst": 1, "new-src": 1, "src-del": 1,
	}, seen)
	assert.Equal(t, []string{"gone"}, res.Stale)

	s := res.Summary()
	assert.Equal(t, len(res.Entries), s.Add+s.Remove+s.Update+s.Unchanged+s.Conflict)
	assert.Equal(t, 1, s.Conflict)
	assert.Len(t, res.Conflicts, s.Conflict)
}

func TestSortEntries(t *testing.T) {
	entries := []Entry{
		{Path: "b"},
		{Path: "a", Action: Add, Direction: SourceToTarget},
		{Path: "a (conflict target 1234abcd)", Action: Add, Direction: TargetToSource, Origin: "a", RenameOrigin: true},
	}
	SortEntries(entries)

	assert.True(t, entries[0].RenameOrigin)
	assert.Equal(t, "a", entries[1].Path)
	assert.Equal(t, "b", entries[2].Path)
}

func TestDirection(t *testing.T) {
	assert.Equal(t, snapshot.Source, SourceToTarget.From())
	assert.Equal(t, snapshot.Target, SourceToTarget.To())
	assert.Equal(t, snapshot.Target, TargetToSource.From())
	assert.Equal(t, snapshot.Source, TargetToSource.To())
	assert.Equal(t, "target->source", TargetToSource.String())
	assert.Equal(t, "both-modified", BothModified.String())
	assert.Equal(t, "conflict", Conflict.String())
}
