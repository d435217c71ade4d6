package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"

	"github.com/schaermu/foldersyncd/internal/diff"
	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/store"
	"github.com/schaermu/foldersyncd/internal/sync"
)

// terminalSink draws a progress bar for the execution phase of a run.
type terminalSink struct {
	scope string
	bar   *pterm.ProgressbarPrinter
	done  int
}

func newTerminalSink(scope string, interval time.Duration) progress.Sink {
	return progress.Throttle(&terminalSink{scope: scope}, interval)
}

func (t *terminalSink) Emit(e progress.Event) {
	switch ev := e.(type) {
	case progress.SyncStarted:
		if ev.TotalFiles == 0 {
			return
		}
		bar, err := pterm.DefaultProgressbar.WithTotal(ev.TotalFiles).WithTitle(t.scope).Start()
		if err == nil {
			t.bar = bar
		}
	case progress.SyncProgress:
		if t.bar != nil && ev.FilesCompleted > t.done {
			t.bar.Add(ev.FilesCompleted - t.done)
			t.done = ev.FilesCompleted
		}
	case progress.SyncError:
		pterm.Warning.Printfln("%s: %s", ev.File, ev.Message)
	case progress.SyncComplete:
		if t.bar != nil {
			_, _ = t.bar.Stop()
			t.bar = nil
		}
	}
}

// renderReport prints the plan of a run and, when it executed, its outcome.
func renderReport(r *sync.Report) {
	pterm.DefaultSection.Printfln("%s (%s, %s)", r.Scope.ID, r.Scope.Mode, r.Scope.Kind)

	if r.Plan != nil {
		if r.DryRun || r.Result == nil {
			renderPlan(r.Plan)
		}
		renderConflicts(r)
	}

	if r.Result == nil {
		return
	}
	res := r.Result
	msg := fmt.Sprintf("%d of %d operations completed, %d failed, %d not attempted, %s copied in %s",
		res.Stats.Completed, res.Stats.Planned, res.Stats.Failed, res.Stats.NotAttempted,
		humanBytes(res.Stats.BytesCopied), res.Duration.Round(time.Millisecond))
	switch {
	case res.Outcome == sync.OutcomeCancelled:
		pterm.Warning.Println("cancelled: " + msg)
	case res.Outcome == sync.OutcomeAborted:
		pterm.Error.Println("aborted: " + msg)
	case res.Stats.Failed > 0:
		pterm.Warning.Println(msg)
	default:
		pterm.Success.Println(msg)
	}

	if len(res.Errors) > 0 {
		data := pterm.TableData{{"Path", "Operation", "Error"}}
		for _, fe := range res.Errors {
			data = append(data, []string{fe.Path, fe.Op, fe.Err.Error()})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}
}

func renderPlan(plan *diff.Result) {
	ops := plan.FileOps()
	if len(ops) == 0 {
		pterm.Success.Println("nothing to do")
		return
	}
	data := pterm.TableData{{"Action", "Direction", "Path"}}
	for _, e := range ops {
		path := e.Path
		if e.Origin != "" && e.Origin != e.Path {
			path = e.Origin + " -> " + e.Path
		}
		data = append(data, []string{e.Action.String(), e.Direction.String(), path})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	s := plan.Summary()
	pterm.Info.Printfln("%d to add, %d to update, %d to remove", s.Add, s.Update, s.Remove)
}

func renderConflicts(r *sync.Report) {
	if len(r.Conflicts) == 0 {
		return
	}
	skipped := make(map[string]bool, len(r.Plan.Skipped))
	for _, p := range r.Plan.Skipped {
		skipped[p] = true
	}
	data := pterm.TableData{{"Path", "Conflict", "Resolved"}}
	for _, c := range r.Conflicts {
		resolved := "yes"
		if skipped[c.Path] {
			resolved = "skipped"
		}
		data = append(data, []string{c.Path, c.Kind.String(), resolved})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	if n := len(r.Plan.Skipped); n > 0 {
		pterm.Warning.Printfln("%d conflicts skipped; resolve them with --resolve path=strategy", n)
	}
}

func renderDevices(devices []store.Device) error {
	if len(devices) == 0 {
		pterm.Info.Println("no devices registered")
		return nil
	}
	data := pterm.TableData{{"ID", "Name", "Mount point", "Registered"}}
	for _, d := range devices {
		data = append(data, []string{d.ID, d.Name, d.MountPoint, d.CreatedAt.Format(time.RFC3339)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderError(scope string, err error) {
	pterm.Error.Printfln("%s: %v", scope, err)
	for _, hint := range errors.GetAllHints(err) {
		pterm.Info.Println(hint)
	}
}

func printSuccess(format string, args ...any) {
	pterm.Success.Printfln(format, args...)
}

func printWarning(format string, args ...any) {
	pterm.Warning.Printfln(format, args...)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
