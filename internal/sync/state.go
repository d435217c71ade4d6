package sync

import (
	"fmt"
	"time"

	"github.com/schaermu/foldersyncd/internal/config"
	"github.com/schaermu/foldersyncd/internal/diff"
)

// Outcome is how an execution ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
)

// FileError is a per-file failure that did not stop the run.
type FileError struct {
	Path string `json:"path"`
	Op   string `json:"op"`
	Err  error  `json:"-"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// Stats counts the file operations of an execution.
type Stats struct {
	Planned      int   `json:"planned"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	NotAttempted int   `json:"not_attempted"`
	BytesCopied  int64 `json:"bytes_copied"`
}

// Result is the outcome of executing a plan.
type Result struct {
	Outcome   Outcome       `json:"outcome"`
	Stats     Stats         `json:"stats"`
	Errors    []FileError   `json:"errors,omitempty"`
	Completed []string      `json:"completed,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Report describes one engine run from scan to baseline write.
type Report struct {
	RunID      string
	Scope      config.Scope
	DryRun     bool
	Plan       *diff.Result
	Conflicts  []diff.ConflictRecord
	Result     *Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// Touched returns the relative paths the run wrote, removed or moved on
// either side: every attempted file operation and the origin of every move.
func (r *Report) Touched() []string {
	if r == nil || r.Result == nil || r.Plan == nil {
		return nil
	}
	attempted := make(map[string]bool, len(r.Result.Completed)+len(r.Result.Errors))
	for _, p := range r.Result.Completed {
		attempted[p] = true
	}
	for _, fe := range r.Result.Errors {
		attempted[fe.Path] = true
	}

	var out []string
	for _, e := range r.Plan.FileOps() {
		if !attempted[e.Path] {
			continue
		}
		out = append(out, e.Path)
		if e.Origin != "" && e.Origin != e.Path {
			out = append(out, e.Origin)
		}
	}
	return out
}
