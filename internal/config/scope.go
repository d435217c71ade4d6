package config

import (
	"path/filepath"
	"sort"
)

// Scope is the unit of synchronization: one source root, one target root,
// and the identity that owns a baseline and hash cache namespace.
type Scope struct {
	ID              string
	Name            string
	Kind            ScopeKind
	Source          string
	Target          string
	Mode            Mode
	Exclude         []string
	IncludeHidden   bool
	PreserveOrphans bool
	Watch           bool
	// TargetIsMount requires the target to live on a mounted file system
	// other than "/" for the whole run.
	TargetIsMount bool
}

// Target returns the root on the device that mirrors the library.
func (d DeviceConfig) Target() string {
	if d.Path == "" {
		return d.MountPoint
	}
	return filepath.Join(d.MountPoint, d.Path)
}

// Scopes returns every configured profile and device as a scope, sorted by
// ID. Global excludes are prepended to each scope's own.
func (c *Config) Scopes() []Scope {
	out := make([]Scope, 0, len(c.Profiles)+len(c.Devices))
	for _, p := range c.Profiles {
		out = append(out, Scope{
			ID:              p.ID,
			Name:            p.Name,
			Kind:            KindProfile,
			Source:          p.Source,
			Target:          p.Target,
			Mode:            p.Mode,
			Exclude:         c.excludes(p.Exclude),
			IncludeHidden:   c.Sync.IncludeHidden,
			PreserveOrphans: p.PreserveOrphans,
			Watch:           p.Watch,
		})
	}
	for _, d := range c.Devices {
		out = append(out, Scope{
			ID:              d.ID,
			Name:            d.Name,
			Kind:            KindDevice,
			Source:          d.Library,
			Target:          d.Target(),
			Mode:            d.Mode,
			Exclude:         c.excludes(d.Exclude),
			IncludeHidden:   c.Sync.IncludeHidden,
			PreserveOrphans: d.PreserveOrphans,
			Watch:           d.Watch,
			TargetIsMount:   true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scope returns the scope with the given ID.
func (c *Config) Scope(id string) (Scope, bool) {
	for _, s := range c.Scopes() {
		if s.ID == id {
			return s, true
		}
	}
	return Scope{}, false
}

func (c *Config) excludes(own []string) []string {
	out := make([]string, 0, len(c.Sync.Exclude)+len(own))
	out = append(out, c.Sync.Exclude...)
	return append(out, own...)
}
