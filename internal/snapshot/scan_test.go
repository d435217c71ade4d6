package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/testutil"
)

func TestScan(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		"artist/album/01.flac":        {Content: "one", ModTime: testutil.At(1_000)},
		"artist/album/cover.jpg":      {Content: "jpeg"},
		"artist/album/.DS_Store":      {Content: "junk"},
		".cache/index":                {Content: "cache"},
		"notes.tmp":                   {Content: "scratch"},
		"tmp/work/keep.txt":           {Content: "keep"},
		"artist/" + TempPrefix + "x1": {Content: "partial"},
	})

	m, err := NewMatcher([]string{"*.tmp", "**/cover.jpg"})
	require.NoError(t, err)

	var events []progress.Event
	snap, err := Scan(context.Background(), root, ScanOptions{
		Exclude: m,
		Sink:    progress.Func(func(e progress.Event) { events = append(events, e) }),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"artist/album/01.flac", "tmp/work/keep.txt"}, keys(snap))

	f, ok := snap.Get("artist/album/01.flac")
	require.True(t, ok)
	assert.Equal(t, int64(3), f.Size)
	assert.Equal(t, int64(1_000), f.ModTime)
	assert.Empty(t, f.Hash)
	assert.Equal(t, filepath.Join(root, "artist", "album", "01.flac"), snap.Abs(f.Path))

	require.NotEmpty(t, events)
	assert.Equal(t, progress.ScanStarted{Path: root}, events[0])
	last, ok := events[len(events)-1].(progress.ScanComplete)
	require.True(t, ok)
	assert.Equal(t, 2, last.TotalFiles)
}

func TestScan_IncludeHidden(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		".config/app.ini":  {Content: "x"},
		TempPrefix + "abc": {Content: "partial"},
	})

	snap, err := Scan(context.Background(), root, ScanOptions{IncludeHidden: true})
	require.NoError(t, err)
	assert.Equal(t, []string{".config/app.ini"}, keys(snap))
}

func TestScan_MissingRoot(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "gone"), ScanOptions{})
	assert.Error(t, err)
}

func TestScan_Cancelled(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{"a": {Content: "a"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Scan(ctx, root, ScanOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"*.part", "/Podcasts/**", "  ", "cache"})
	require.NoError(t, err)
	assert.Equal(t, []string{"*.part", "Podcasts/**", "cache"}, m.Patterns())

	for path, want := range map[string]bool{
		"song.part":             true,
		"deep/dir/song.part":    true,
		"Podcasts/show/ep1.mp3": true,
		"Music/Podcasts/x.mp3":  false,
		"cache":                 true,
		"a/cache":               true,
		"a/cache.db":            false,
		"song.flac":             false,
	} {
		assert.Equal(t, want, m.Match(path), path)
	}

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Match("anything"))

	_, err = NewMatcher([]string{"[unclosed"})
	assert.Error(t, err)
}

func TestUnionPaths(t *testing.T) {
	a := New("/a")
	a.Add(FileState{Path: "x"})
	a.Add(FileState{Path: "y"})
	b := New("/b")
	b.Add(FileState{Path: "y"})
	b.Add(FileState{Path: "z"})

	got := UnionPaths([]*Snapshot{a, b, nil}, map[string]struct{}{"w": {}})
	assert.Equal(t, []string{"w", "x", "y", "z"}, got)
}

func TestSide(t *testing.T) {
	assert.Equal(t, Target, Source.Other())
	assert.Equal(t, Source, Target.Other())
	assert.Equal(t, "source", Source.String())
	assert.Equal(t, "target", Target.String())
}

func keys(s *Snapshot) []string {
	out := make([]string, 0, s.Len())
	for p := range s.Files {
		out = append(out, p)
	}
	return out
}
