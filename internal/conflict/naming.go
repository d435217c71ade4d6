package conflict

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// KeepBothName returns the name the target copy of a conflicting file is
// renamed to: "<stem> (conflict target <tag>)<ext>" in the same directory.
// The tag is the first eight hex digits of the content hash, or the
// modification time when no hash is known. taken reports names already in
// use; collisions are resolved by appending " 2", " 3", and so on.
func KeepBothName(rel string, f snapshot.FileState, taken func(string) bool) string {
	dir, base := path.Split(rel)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// dotfiles such as ".bashrc" have no extension to preserve
		stem, ext = base, ""
	}

	tag := strconv.FormatInt(f.ModTime, 10)
	if len(f.Hash) >= 8 {
		tag = f.Hash[:8]
	}

	candidate := fmt.Sprintf("%s%s (conflict target %s)%s", dir, stem, tag, ext)
	if !taken(candidate) {
		return candidate
	}
	for n := 2; ; n++ {
		candidate = fmt.Sprintf("%s%s (conflict target %s) %d%s", dir, stem, tag, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
