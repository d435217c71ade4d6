package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

// Device is a registered removable device. Its ID doubles as the sync scope
// of the device's baseline.
type Device struct {
	ID         string
	Name       string
	MountPoint string
	CreatedAt  time.Time
}

// RegisterDevice inserts d, or updates name and mount point when a device
// with the same ID exists. CreatedAt is kept from the first registration.
func (s *Store) RegisterDevice(ctx context.Context, d Device) error {
	if d.ID == "" {
		return errors.New("device id must not be empty")
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, mount_point, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			mount_point = excluded.mount_point`,
		d.ID, d.Name, d.MountPoint, created.Unix(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to register device %s", d.ID)
	}
	return nil
}

// GetDevice returns the device with id, or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id string) (Device, error) {
	var (
		d       Device
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, mount_point, created_at FROM devices WHERE id = ?", id,
	).Scan(&d.ID, &d.Name, &d.MountPoint, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, errors.Wrapf(ErrNotFound, "device %s", id)
	}
	if err != nil {
		return Device{}, errors.Wrapf(err, "failed to load device %s", id)
	}
	d.CreatedAt = time.Unix(created, 0)
	return d, nil
}

// ListDevices returns all registered devices ordered by ID.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, mount_point, created_at FROM devices ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			d       Device
			created int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.MountPoint, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan device")
		}
		d.CreatedAt = time.Unix(created, 0)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}
	return out, nil
}

// DeleteDevice removes a device together with its baseline. Its hash cache
// goes with it through the foreign key cascade.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete device %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to count deleted devices")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "device %s", id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM baselines WHERE scope_id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete baseline of device %s", id)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit device removal")
	}
	s.logger.Infow("device removed", "device", id)
	return nil
}
