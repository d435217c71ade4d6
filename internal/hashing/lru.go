package hashing

import (
	"context"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

type lruKey struct {
	scope string
	path  string
}

// LRU is a read-through, write-through memory layer in front of another Cache.
type LRU struct {
	next  Cache
	cache *lru.Cache[lruKey, Entry]
}

// NewLRU wraps next with an in-memory cache holding up to size entries.
func NewLRU(next Cache, size int) (*LRU, error) {
	c, err := lru.New[lruKey, Entry](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create hash LRU")
	}
	return &LRU{next: next, cache: c}, nil
}

// GetHash returns the memory copy when present, otherwise consults next.
func (l *LRU) GetHash(ctx context.Context, scope, path string) (Entry, bool, error) {
	key := lruKey{scope, path}
	if e, ok := l.cache.Get(key); ok {
		return e, true, nil
	}
	e, ok, err := l.next.GetHash(ctx, scope, path)
	if err != nil || !ok {
		return e, ok, err
	}
	l.cache.Add(key, e)
	return e, true, nil
}

// PutHash writes to next first and only then updates memory.
func (l *LRU) PutHash(ctx context.Context, e Entry) error {
	if err := l.next.PutHash(ctx, e); err != nil {
		return err
	}
	l.cache.Add(lruKey{e.Scope, e.Path}, e)
	return nil
}

// DeleteHash evicts the memory copy and deletes from next.
func (l *LRU) DeleteHash(ctx context.Context, scope, path string) error {
	l.cache.Remove(lruKey{scope, path})
	return l.next.DeleteHash(ctx, scope, path)
}

// Purge empties the memory layer, e.g. after a device was removed.
func (l *LRU) Purge() {
	l.cache.Purge()
}
