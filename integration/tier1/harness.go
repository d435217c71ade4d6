//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/foldersyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the foldersyncd binary once and runs it against
// temporary directory trees.
type Harness struct {
	t       *testing.T
	binary  string
	Root    string
	Source  string
	Target  string
	State   string
	config  string
	keepDir bool
}

// NewHarness creates the directory layout for one test
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	root, err := os.MkdirTemp("", "foldersyncd-tier1-")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	h := &Harness{
		t:       t,
		Root:    root,
		Source:  filepath.Join(root, "source"),
		Target:  filepath.Join(root, "target"),
		State:   filepath.Join(root, "state"),
		config:  filepath.Join(root, "config.yaml"),
		keepDir: os.Getenv("INTEGRATION_KEEP_DIR") == "1",
	}
	for _, dir := range []string{h.Source, h.Target, h.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return h
}

// BuildBinary compiles cmd/foldersyncd into the harness directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()
	h.binary = filepath.Join(h.Root, "foldersyncd")
	h.t.Logf("Building %s", h.binary)
	return testutil.BuildBinary(ctx, h.binary)
}

// Cleanup removes the harness directory
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keepDir && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_DIR=1, keeping %s", h.Root)
		return
	}
	if err := os.RemoveAll(h.Root); err != nil {
		h.t.Logf("Warning: failed to remove %s: %v", h.Root, err)
	}
}

// WriteConfig writes a configuration with a single profile named docs
func (h *Harness) WriteConfig(strategy string) {
	h.t.Helper()
	config := fmt.Sprintf(`paths:
  state_dir: %s

log:
  level: debug
  format: json

sync:
  default_strategy: %s

profiles:
  - id: docs
    source: %s
    target: %s
    mode: two-way
`, h.State, strategy, h.Source, h.Target)

	if err := os.WriteFile(h.config, []byte(config), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes the binary with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append(args, "--config", h.config)
	cmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WriteFile writes a file below root with the given modification time
func (h *Harness) WriteFile(root, rel, content string, mtime time.Time) {
	h.t.Helper()
	testutil.WriteFile(h.t, root, rel, testutil.File{Content: content, ModTime: mtime})
}

// ReadFile returns the content of a file below root
func (h *Harness) ReadFile(root, rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		h.t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// FileExists checks if a regular file exists below root
func (h *Harness) FileExists(root, rel string) bool {
	h.t.Helper()
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}

// Tree returns every file below root keyed by relative path
func (h *Harness) Tree(root string) map[string]string {
	h.t.Helper()
	return testutil.ReadTree(h.t, root)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// RemoveFile deletes a file below root
func (h *Harness) RemoveFile(root, rel string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
		h.t.Fatalf("remove %s: %v", rel, err)
	}
}
