//go:build integration

package tier1

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return epoch.Add(time.Duration(minutes) * time.Minute)
}

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	h.WriteConfig("skip")

	h.WriteFile(h.Source, "notes.txt", "notes v1", at(0))
	h.WriteFile(h.Source, "docs/readme.md", "# readme", at(0))
	h.WriteFile(h.Target, "photos/cat.jpg", "meow", at(0))

	// Run all scenarios as subtests; each builds on the state left by the previous one.
	t.Run("A_DryRunMode", func(t *testing.T) {
		testDryRunMode(t, h, ctx)
	})

	t.Run("B_InitialSyncMergesTrees", func(t *testing.T) {
		testInitialSync(t, h, ctx)
	})

	t.Run("C_UpdatePropagates", func(t *testing.T) {
		testUpdatePropagates(t, h, ctx)
	})

	t.Run("D_NoOpSync", func(t *testing.T) {
		testNoOpSync(t, h, ctx)
	})

	t.Run("E_DeletionPropagates", func(t *testing.T) {
		testDeletionPropagates(t, h, ctx)
	})

	t.Run("F_ConflictSkippedThenResolved", func(t *testing.T) {
		testConflictResolution(t, h, ctx)
	})
}

func testDryRunMode(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustRun(ctx, "sync", "--dry-run")
	t.Logf("stdout: %s", stdout)

	if h.FileExists(h.Target, "notes.txt") {
		t.Error("dry run copied notes.txt")
	}
	if h.FileExists(h.Source, "photos/cat.jpg") {
		t.Error("dry run copied photos/cat.jpg")
	}
}

func testInitialSync(t *testing.T, h *Harness, ctx context.Context) {
	stdout, stderr := h.MustRun(ctx, "sync")
	t.Logf("stdout: %s", stdout)
	t.Logf("stderr: %s", stderr)

	want := map[string]string{
		"notes.txt":      "notes v1",
		"docs/readme.md": "# readme",
		"photos/cat.jpg": "meow",
	}
	for _, root := range []string{h.Source, h.Target} {
		got := h.Tree(root)
		if len(got) != len(want) {
			t.Errorf("%s: got %d files, want %d: %v", root, len(got), len(want), got)
		}
		for rel, content := range want {
			if got[rel] != content {
				t.Errorf("%s/%s: got %q, want %q", root, rel, got[rel], content)
			}
		}
	}
}

func testUpdatePropagates(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteFile(h.Target, "docs/readme.md", "# readme, edited on the target", at(10))

	h.MustRun(ctx, "sync", "docs")

	if got := h.ReadFile(h.Source, "docs/readme.md"); got != "# readme, edited on the target" {
		t.Errorf("update not propagated to source: %q", got)
	}
}

func testNoOpSync(t *testing.T, h *Harness, ctx context.Context) {
	before := h.Tree(h.Target)

	stdout, _ := h.MustRun(ctx, "plan", "docs")
	t.Logf("plan: %s", stdout)

	h.MustRun(ctx, "sync")

	after := h.Tree(h.Target)
	if len(before) != len(after) {
		t.Errorf("target changed on no-op sync: %v -> %v", before, after)
	}
	for rel, content := range before {
		if after[rel] != content {
			t.Errorf("%s changed on no-op sync", rel)
		}
	}
}

func testDeletionPropagates(t *testing.T, h *Harness, ctx context.Context) {
	h.RemoveFile(h.Source, "photos/cat.jpg")

	h.MustRun(ctx, "sync")

	if h.FileExists(h.Target, "photos/cat.jpg") {
		t.Error("deleted file still exists on the target")
	}
	if !h.FileExists(h.Target, "notes.txt") {
		t.Error("unrelated file removed from the target")
	}
}

func testConflictResolution(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteFile(h.Source, "notes.txt", "notes v2 from source", at(20))
	h.WriteFile(h.Target, "notes.txt", "notes v2 from target!", at(21))

	// The default strategy skips the conflict and leaves both sides alone.
	stdout, _ := h.MustRun(ctx, "sync")
	t.Logf("stdout: %s", stdout)

	if got := h.ReadFile(h.Source, "notes.txt"); got != "notes v2 from source" {
		t.Errorf("skipped conflict changed the source: %q", got)
	}
	if got := h.ReadFile(h.Target, "notes.txt"); got != "notes v2 from target!" {
		t.Errorf("skipped conflict changed the target: %q", got)
	}

	h.MustRun(ctx, "sync", "--resolve", "notes.txt=keep-source")

	if got := h.ReadFile(h.Target, "notes.txt"); got != "notes v2 from source" {
		t.Errorf("keep-source resolution not applied: %q", got)
	}

	// Once resolved, the pair is back in sync.
	h.MustRun(ctx, "sync")
	if got := h.ReadFile(h.Source, "notes.txt"); got != "notes v2 from source" {
		t.Errorf("source changed after resolution: %q", got)
	}
}
