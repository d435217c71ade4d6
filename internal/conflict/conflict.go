// Package conflict turns a diff result with conflicts into a conflict-free
// plan by applying per-path resolution strategies.
package conflict

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/foldersyncd/internal/diff"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// Strategy decides how a conflicting path is resolved.
type Strategy string

const (
	KeepSource Strategy = "keep-source"
	KeepTarget Strategy = "keep-target"
	KeepBoth   Strategy = "keep-both"
	Skip       Strategy = "skip"
	// KeepNewest keeps the side with the later modification time and skips
	// the path on a tie.
	KeepNewest Strategy = "keep-newest"
)

// Strategies lists every known strategy.
var Strategies = []Strategy{KeepSource, KeepTarget, KeepBoth, Skip, KeepNewest}

// ParseStrategy parses a strategy name. The empty string yields Skip.
func ParseStrategy(s string) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Skip, nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", errors.WithHint(
		errors.Newf("unknown conflict strategy %q", s),
		"valid strategies are keep-source, keep-target, keep-both, skip and keep-newest",
	)
}

// Resolution assigns a strategy to one conflicting path.
type Resolution struct {
	Path     string   `json:"path" yaml:"path"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// ParseResolution parses "path=strategy".
func ParseResolution(s string) (Resolution, error) {
	i := strings.LastIndex(s, "=")
	if i <= 0 {
		return Resolution{}, errors.Newf("invalid resolution %q: expected path=strategy", s)
	}
	st, err := ParseStrategy(s[i+1:])
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Path: s[:i], Strategy: st}, nil
}

// Apply rewrites every Conflict entry of res according to its resolution, or
// fallback when the path has none. An empty fallback means Skip. The returned
// result contains no Conflict entries; skipped paths are listed in Skipped and
// its Conflicts are cleared. res is not modified.
func Apply(res *diff.Result, resolutions []Resolution, fallback Strategy) (*diff.Result, error) {
	if fallback == "" {
		fallback = Skip
	}
	byPath := make(map[string]Strategy, len(resolutions))
	for _, r := range resolutions {
		if _, err := ParseStrategy(string(r.Strategy)); err != nil {
			return nil, errors.Wrapf(err, "resolution for %s", r.Path)
		}
		byPath[r.Path] = r.Strategy
	}

	taken := make(map[string]struct{}, len(res.Entries))
	for _, e := range res.Entries {
		taken[e.Path] = struct{}{}
	}
	for _, p := range res.Stale {
		taken[p] = struct{}{}
	}
	isTaken := func(p string) bool {
		_, ok := taken[p]
		return ok
	}

	out := &diff.Result{
		Entries: make([]diff.Entry, 0, len(res.Entries)),
		Stale:   append([]string(nil), res.Stale...),
		Skipped: append([]string(nil), res.Skipped...),
	}

	for _, e := range res.Entries {
		if e.Action != diff.Conflict {
			out.Entries = append(out.Entries, e)
			continue
		}

		strategy, ok := byPath[e.Path]
		if !ok || strategy == "" {
			strategy = fallback
		}
		if strategy == KeepNewest {
			strategy = newest(e)
		}

		switch strategy {
		case KeepSource:
			out.Entries = append(out.Entries, keep(e, snapshot.Source))
		case KeepTarget:
			out.Entries = append(out.Entries, keep(e, snapshot.Target))
		case KeepBoth:
			entries := keepBoth(e, isTaken)
			for _, ne := range entries {
				taken[ne.Path] = struct{}{}
			}
			out.Entries = append(out.Entries, entries...)
		default:
			out.Skipped = append(out.Skipped, e.Path)
		}
	}

	diff.SortEntries(out.Entries)
	sort.Strings(out.Skipped)
	return out, nil
}

// keep makes winner authoritative: its copy replaces the other side, or its
// absence deletes the other side.
func keep(e diff.Entry, winner snapshot.Side) diff.Entry {
	dir := diff.SourceToTarget
	if winner == snapshot.Target {
		dir = diff.TargetToSource
	}
	loser := winner.Other()

	out := diff.Entry{Path: e.Path, Direction: dir, Source: e.Source, Target: e.Target}
	switch {
	case e.Info(winner) == nil:
		// The deletion wins. Remove uses the side the deletion happened on.
		out.Action = diff.Remove
	case e.Info(loser) == nil:
		out.Action = diff.Add
	default:
		out.Action = diff.Update
	}
	return out
}

// keepBoth preserves both copies. The target copy moves aside to a
// disambiguated name and is mirrored to the source, then the source copy is
// added to the target under the original name.
func keepBoth(e diff.Entry, taken func(string) bool) []diff.Entry {
	switch {
	case e.Source == nil:
		return []diff.Entry{{Path: e.Path, Action: diff.Add, Direction: diff.TargetToSource, Target: e.Target}}
	case e.Target == nil:
		return []diff.Entry{{Path: e.Path, Action: diff.Add, Direction: diff.SourceToTarget, Source: e.Source}}
	}

	renamed := KeepBothName(e.Path, *e.Target, taken)
	moved := *e.Target
	moved.Path = renamed

	return []diff.Entry{
		{
			Path:         renamed,
			Action:       diff.Add,
			Direction:    diff.TargetToSource,
			Target:       &moved,
			Origin:       e.Path,
			RenameOrigin: true,
		},
		{
			Path:      e.Path,
			Action:    diff.Add,
			Direction: diff.SourceToTarget,
			Source:    e.Source,
		},
	}
}

func newest(e diff.Entry) Strategy {
	var s, t int64
	if e.Source != nil {
		s = e.Source.ModTime
	}
	if e.Target != nil {
		t = e.Target.ModTime
	}
	switch {
	case e.Source == nil || e.Target == nil:
		// One side was deleted; a deletion has no time to compare against.
		return Skip
	case s > t:
		return KeepSource
	case t > s:
		return KeepTarget
	default:
		return Skip
	}
}
