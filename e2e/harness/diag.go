//go:build e2e

package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Diagnostics represents collected diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	Items       []DiagItem
}

// DiagItem represents a single piece of diagnostic output
type DiagItem struct {
	Name   string
	Output string
}

// CollectDiagnostics gathers the daemon log and a listing of every root
func (s *Suite) CollectDiagnostics() *Diagnostics {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		Items:       []DiagItem{{Name: "daemon-log", Output: s.Logs()}},
	}

	for _, root := range []struct {
		name string
		path string
	}{
		{"ls-source", s.Source},
		{"ls-target", s.Target},
		{"ls-state", s.State},
	} {
		diag.Items = append(diag.Items, DiagItem{Name: root.name, Output: listTree(root.path)})
	}
	return diag
}

// listTree renders one line per entry below root with its size and mtime
func listTree(root string) string {
	var lines []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		lines = append(lines, fmt.Sprintf("%s %10d %s %s",
			info.Mode(), info.Size(), info.ModTime().Format(time.RFC3339Nano), rel))
		return nil
	})
	if err != nil {
		lines = append(lines, "error: "+err.Error())
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// DumpDiagnostics collects and logs diagnostic information
func (s *Suite) DumpDiagnostics() {
	s.Logf("=== Collecting diagnostics ===")

	for _, item := range s.CollectDiagnostics().Items {
		s.Logf("--- %s ---", item.Name)
		if item.Output != "" {
			s.Logf("%s", item.Output)
		} else {
			s.Logf("(no output)")
		}
	}

	s.Logf("=== End diagnostics ===")
}

// RunScenario runs a test scenario and collects diagnostics on failure
func (s *Suite) RunScenario(ctx context.Context, name string, fn func(context.Context) error) error {
	s.Logf("Running scenario: %s", name)
	err := fn(ctx)
	if err != nil {
		s.Logf("Scenario %s failed: %v", name, err)
		s.DumpDiagnostics()
	} else {
		s.Logf("Scenario %s passed", name)
	}
	return err
}

// KeepOnFailure copies the suite directory aside when E2E_KEEP_DIR=1 and the test failed
func (s *Suite) KeepOnFailure() {
	if !s.KeepDir || !s.t.Failed() {
		return
	}
	dst, err := os.MkdirTemp("", "foldersyncd-e2e-"+s.Name+"-")
	if err != nil {
		s.Logf("keep dir: %v", err)
		return
	}
	if err := os.CopyFS(dst, os.DirFS(s.Root)); err != nil {
		s.Logf("keep dir: %v", err)
		return
	}
	s.Logf("Test failed and E2E_KEEP_DIR=1, kept a copy of the suite in %s", dst)
}
