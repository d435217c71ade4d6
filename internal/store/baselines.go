package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/foldersyncd/internal/baseline"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

var _ baseline.Store = (*Store)(nil)

// LoadBaseline returns every baseline row of scope.
func (s *Store) LoadBaseline(ctx context.Context, scope string) (baseline.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relative_path,
		       source_size, source_modified_at, source_hash,
		       target_size, target_modified_at, target_hash,
		       snapshot_at
		FROM baselines
		WHERE scope_id = ?`, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load baseline for scope %s", scope)
	}
	defer rows.Close()

	b := make(baseline.Baseline)
	for rows.Next() {
		var (
			p                string
			src, dst         snapshot.FileState
			srcHash, dstHash sql.NullString
			snapshotAt       int64
		)
		if err := rows.Scan(&p,
			&src.Size, &src.ModTime, &srcHash,
			&dst.Size, &dst.ModTime, &dstHash,
			&snapshotAt,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to scan baseline row for scope %s", scope)
		}
		src.Path, dst.Path = p, p
		src.Hash, dst.Hash = srcHash.String, dstHash.String
		b[p] = baseline.Entry{Source: src, Target: dst, SnapshotAt: snapshotAt}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read baseline for scope %s", scope)
	}
	return b, nil
}

// PutBaseline inserts or replaces the baseline row of (scope, path).
func (s *Store) PutBaseline(ctx context.Context, scope, path string, e baseline.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (
			scope_id, relative_path,
			source_size, source_modified_at, source_hash,
			target_size, target_modified_at, target_hash,
			snapshot_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_id, relative_path) DO UPDATE SET
			source_size = excluded.source_size,
			source_modified_at = excluded.source_modified_at,
			source_hash = excluded.source_hash,
			target_size = excluded.target_size,
			target_modified_at = excluded.target_modified_at,
			target_hash = excluded.target_hash,
			snapshot_at = excluded.snapshot_at`,
		scope, path,
		e.Source.Size, e.Source.ModTime, nullString(e.Source.Hash),
		e.Target.Size, e.Target.ModTime, nullString(e.Target.Hash),
		e.SnapshotAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to write baseline for %s in scope %s", path, scope)
	}
	return nil
}

// DeleteBaseline removes the baseline row of (scope, path), if any.
func (s *Store) DeleteBaseline(ctx context.Context, scope, path string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM baselines WHERE scope_id = ? AND relative_path = ?", scope, path); err != nil {
		return errors.Wrapf(err, "failed to delete baseline for %s in scope %s", path, scope)
	}
	return nil
}

// ResetBaseline drops every baseline row of scope and returns how many were
// removed. The next two-way sync of the scope behaves like a first sync.
func (s *Store) ResetBaseline(ctx context.Context, scope string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM baselines WHERE scope_id = ?", scope)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to reset baseline for scope %s", scope)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted baseline rows")
	}
	return n, nil
}
