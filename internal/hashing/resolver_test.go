package hashing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/schaermu/foldersyncd/internal/snapshot"
	"github.com/schaermu/foldersyncd/internal/testutil"
)

// countingHasher counts file reads.
type countingHasher struct {
	calls int
	next  Hasher
}

func (c *countingHasher) HashFile(path string) (string, error) {
	c.calls++
	return c.next.HashFile(path)
}

// memCache is an in-memory Cache.
type memCache struct {
	entries map[string]Entry
	getErr  error
	gets    int
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]Entry)}
}

func (m *memCache) GetHash(_ context.Context, scope, path string) (Entry, bool, error) {
	m.gets++
	if m.getErr != nil {
		return Entry{}, false, m.getErr
	}
	e, ok := m.entries[scope+"\x00"+path]
	return e, ok, nil
}

func (m *memCache) PutHash(_ context.Context, e Entry) error {
	m.puts++
	m.entries[e.Scope+"\x00"+e.Path] = e
	return nil
}

func (m *memCache) DeleteHash(_ context.Context, scope, path string) error {
	delete(m.entries, scope+"\x00"+path)
	return nil
}

func TestBlake3_HashFile(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]testutil.File{
		"a": {Content: "same"},
		"b": {Content: "same"},
		"c": {Content: "different"},
	})

	h := Blake3{}
	a, err := h.HashFile(filepath.Join(root, "a"))
	require.NoError(t, err)
	b, err := h.HashFile(filepath.Join(root, "b"))
	require.NoError(t, err)
	c, err := h.HashFile(filepath.Join(root, "c"))
	require.NoError(t, err)

	assert.Len(t, a, DigestSize*2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = h.HashFile(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestResolver_CacheHitDoesNotReadFile(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "song.flac", testutil.File{Content: "audio", ModTime: testutil.At(1_000)})

	cache := newMemCache()
	cache.entries["dev1\x00song.flac"] = Entry{Scope: "dev1", Path: "song.flac", Size: 5, ModTime: 1_000, Hash: "cafebabe"}

	hasher := &countingHasher{next: Blake3{}}
	r := NewResolver(root, "dev1", hasher, cache, zaptest.NewLogger(t).Sugar())

	got, err := r.Resolve(context.Background(), snapshot.FileState{Path: "song.flac", Size: 5, ModTime: 1_000})
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", got)
	assert.Equal(t, 0, hasher.calls, "a valid cache entry must not trigger a file read")
	assert.Equal(t, 0, cache.puts)
}

func TestResolver_StaleEntryIsRecomputed(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "song.flac", testutil.File{Content: "new audio", ModTime: testutil.At(2_000)})

	cache := newMemCache()
	cache.entries["dev1\x00song.flac"] = Entry{Scope: "dev1", Path: "song.flac", Size: 5, ModTime: 1_000, Hash: "stale"}

	hasher := &countingHasher{next: Blake3{}}
	r := NewResolver(root, "dev1", hasher, cache, nil)

	f := snapshot.FileState{Path: "song.flac", Size: 9, ModTime: 2_000}
	got, err := r.Resolve(context.Background(), f)
	require.NoError(t, err)

	want, err := Blake3{}.HashFile(filepath.Join(root, "song.flac"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, hasher.calls)

	stored := cache.entries["dev1\x00song.flac"]
	assert.Equal(t, Entry{Scope: "dev1", Path: "song.flac", Size: 9, ModTime: 2_000, Hash: want}, stored)
}

func TestResolver_KnownHashShortCircuits(t *testing.T) {
	hasher := &countingHasher{next: Blake3{}}
	cache := newMemCache()
	r := NewResolver(t.TempDir(), "p", hasher, cache, nil)

	got, err := r.Resolve(context.Background(), snapshot.FileState{Path: "x", Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
	assert.Zero(t, hasher.calls)
	assert.Zero(t, cache.gets)
}

func TestResolver_CacheErrorFallsBackToHashing(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "x", testutil.File{Content: "x"})

	cache := newMemCache()
	cache.getErr = errors.New("db locked")
	hasher := &countingHasher{next: Blake3{}}
	r := NewResolver(root, "dev", hasher, cache, zaptest.NewLogger(t).Sugar())

	_, err := r.Resolve(context.Background(), snapshot.FileState{Path: "x", Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, hasher.calls)
}

func TestResolver_WithoutCache(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "x", testutil.File{Content: "x"})

	hasher := &countingHasher{next: Blake3{}}
	r := NewResolver(root, "profile", hasher, nil, nil)
	assert.False(t, r.Cached())

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), snapshot.FileState{Path: "x", Size: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, hasher.calls)
	assert.NoError(t, r.Record(context.Background(), snapshot.FileState{Path: "x", Hash: "h"}))
	assert.NoError(t, r.Forget(context.Background(), "x"))
}

func TestResolver_RecordAndForget(t *testing.T) {
	cache := newMemCache()
	r := NewResolver(t.TempDir(), "dev", nil, cache, nil)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, snapshot.FileState{Path: "a", Size: 1, ModTime: 2, Hash: "h"}))
	assert.Equal(t, Entry{Scope: "dev", Path: "a", Size: 1, ModTime: 2, Hash: "h"}, cache.entries["dev\x00a"])

	require.NoError(t, r.Record(ctx, snapshot.FileState{Path: "b"}))
	assert.NotContains(t, cache.entries, "dev\x00b")

	require.NoError(t, r.Forget(ctx, "a"))
	assert.Empty(t, cache.entries)
}

func TestPair(t *testing.T) {
	src := NewResolver(t.TempDir(), "s", nil, nil, nil)
	p := Pair{Source: src}
	assert.Same(t, src, p.For(snapshot.Source))

	_, err := p.Hash(context.Background(), snapshot.Target, snapshot.FileState{Path: "x"})
	assert.Error(t, err)

	got, err := p.Hash(context.Background(), snapshot.Source, snapshot.FileState{Path: "x", Hash: "known"})
	require.NoError(t, err)
	assert.Equal(t, "known", got)
}

func TestLRU(t *testing.T) {
	next := newMemCache()
	l, err := NewLRU(next, 8)
	require.NoError(t, err)
	ctx := context.Background()

	e := Entry{Scope: "dev", Path: "a", Size: 1, ModTime: 1, Hash: "h"}
	require.NoError(t, l.PutHash(ctx, e))
	assert.Equal(t, 1, next.puts)

	got, ok, err := l.GetHash(ctx, "dev", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e, got)
	assert.Zero(t, next.gets, "memory hit must not reach the backing cache")

	next.entries["dev\x00b"] = Entry{Scope: "dev", Path: "b", Hash: "hb"}
	_, ok, err = l.GetHash(ctx, "dev", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	_, _, _ = l.GetHash(ctx, "dev", "b")
	assert.Equal(t, 1, next.gets)

	require.NoError(t, l.DeleteHash(ctx, "dev", "a"))
	_, ok, err = l.GetHash(ctx, "dev", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	l.Purge()
	_, ok, _ = l.GetHash(ctx, "dev", "b")
	assert.True(t, ok)

	_, err = NewLRU(next, 0)
	assert.Error(t, err)
}
