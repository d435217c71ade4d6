package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/foldersyncd/internal/hashing"
)

var _ hashing.Cache = (*Store)(nil)

// GetHash returns the cached hash of (device, path). The caller decides
// whether the entry is still valid for the file's current metadata.
func (s *Store) GetHash(ctx context.Context, device, path string) (hashing.Entry, bool, error) {
	e := hashing.Entry{Scope: device, Path: path}
	err := s.db.QueryRowContext(ctx,
		"SELECT file_size, modified_at, hash FROM hash_cache WHERE device_id = ? AND relative_path = ?",
		device, path,
	).Scan(&e.Size, &e.ModTime, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return hashing.Entry{}, false, nil
	}
	if err != nil {
		return hashing.Entry{}, false, errors.Wrapf(err, "failed to read cached hash for %s", path)
	}
	return e, true, nil
}

// PutHash inserts or replaces a cache entry. The device must be registered.
func (s *Store) PutHash(ctx context.Context, e hashing.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hash_cache (device_id, relative_path, file_size, modified_at, hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_id, relative_path) DO UPDATE SET
			file_size = excluded.file_size,
			modified_at = excluded.modified_at,
			hash = excluded.hash`,
		e.Scope, e.Path, e.Size, e.ModTime, e.Hash,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to cache hash for %s on device %s", e.Path, e.Scope)
	}
	return nil
}

// DeleteHash removes the cache entry of (device, path), if any.
func (s *Store) DeleteHash(ctx context.Context, device, path string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM hash_cache WHERE device_id = ? AND relative_path = ?", device, path); err != nil {
		return errors.Wrapf(err, "failed to drop cached hash for %s on device %s", path, device)
	}
	return nil
}
