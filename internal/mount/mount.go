// Package mount checks that sync roots are reachable and reports free space.
package mount

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

var (
	// ErrUnreachable means a root does not exist or is not a directory.
	ErrUnreachable = errors.New("root unreachable")
	// ErrNotMounted means a device root is no longer backed by its own
	// file system, typically because the device was unplugged.
	ErrNotMounted = errors.New("device not mounted")
)

// Inspector examines the file systems sync roots live on.
type Inspector interface {
	// Check verifies that root is an existing directory. With requireMount it
	// also verifies that root lies on a mounted file system other than "/".
	Check(ctx context.Context, root string, requireMount bool) error
	// FreeBytes reports the space available to unprivileged users on the
	// file system holding root.
	FreeBytes(ctx context.Context, root string) (uint64, error)
}

// Client implements Inspector with gopsutil.
type Client struct {
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewClient creates an Inspector backed by the host's mount table.
func NewClient() *Client {
	return &Client{
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

// Check implements Inspector.
func (c *Client) Check(ctx context.Context, root string, requireMount bool) error {
	info, err := os.Stat(root)
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "%s: %v", root, err)
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrUnreachable, "%s is not a directory", root)
	}
	if !requireMount {
		return nil
	}

	mountPoint, err := c.MountPoint(ctx, root)
	if err != nil {
		return err
	}
	if mountPoint == "" || mountPoint == "/" {
		return errors.Wrapf(ErrNotMounted, "%s", root)
	}
	return nil
}

// MountPoint returns the deepest mount point containing root, or "" when
// none matches.
func (c *Client) MountPoint(ctx context.Context, root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", root)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	parts, err := c.partitions(ctx, true)
	if err != nil {
		return "", errors.Wrap(err, "failed to read mount table")
	}

	best := ""
	for _, p := range parts {
		if within(abs, p.Mountpoint) && len(p.Mountpoint) > len(best) {
			best = p.Mountpoint
		}
	}
	return best, nil
}

// FreeBytes implements Inspector.
func (c *Client) FreeBytes(ctx context.Context, root string) (uint64, error) {
	u, err := c.usage(ctx, root)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read disk usage of %s", root)
	}
	return u.Free, nil
}

func within(path, mountPoint string) bool {
	if mountPoint == "" {
		return false
	}
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountPoint, string(filepath.Separator))+string(filepath.Separator))
}
