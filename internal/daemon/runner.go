// Package daemon schedules sync runs for the long-running serve mode. Each
// scope has at most one run in flight and at most one queued behind it.
package daemon

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/sync"
)

// Syncer runs one scope to completion.
type Syncer interface {
	Run(ctx context.Context, scopeID string, opts sync.Options) (*sync.Report, error)
}

// Status reports what a submission did.
type Status int

const (
	// Started means a new run was started.
	Started Status = iota
	// Queued means a run was in flight and a re-run is now pending.
	Queued
	// Stopped means the runner is closed and ignored the submission.
	Stopped
)

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Queued:
		return "queued"
	default:
		return "stopped"
	}
}

// Options configures a Runner.
type Options struct {
	// Debounce is the quiet period Trigger waits for before submitting.
	Debounce time.Duration
	// Sinks returns the progress sink of a scope's runs. Optional.
	Sinks func(scope string) progress.Sink
	// OnStart is called before every run, including queued re-runs. Optional.
	OnStart func(scope string)
	// OnReport is called after every run while the scope still counts as
	// running. Optional.
	OnReport func(scope string, report *sync.Report, err error)
}

// scopeState tracks the runs of one scope.
type scopeState struct {
	running     bool              // whether a run is in progress
	pending     bool              // whether another run is needed after the current one
	pendingOpts sync.Options      // options of the pending run
	cancel      *sync.CancelToken // token of the run in progress
	debounce    *debouncer
}

// Runner serializes runs per scope.
type Runner struct {
	syncer Syncer
	opts   Options
	logger *zap.SugaredLogger

	ctx  context.Context
	stop context.CancelFunc
	wg   stdsync.WaitGroup

	mu     stdsync.Mutex // guards scopes
	scopes map[string]*scopeState
}

// NewRunner creates a runner around syncer.
func NewRunner(syncer Syncer, opts Options, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		syncer: syncer,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		scopes: make(map[string]*scopeState),
	}
}

func (r *Runner) state(scope string) *scopeState {
	st, ok := r.scopes[scope]
	if !ok {
		st = &scopeState{debounce: &debouncer{delay: r.opts.Debounce}}
		r.scopes[scope] = st
	}
	return st
}

// withToken makes sure opts carries a cancel token and registers it as the
// token of the scope's current run. r.mu must be held.
func withToken(st *scopeState, opts sync.Options) sync.Options {
	if opts.Cancel == nil {
		opts.Cancel = sync.NewCancelToken()
	}
	st.cancel = opts.Cancel
	return opts
}

// begin claims the running slot of scope. When a run is already in flight
// it records opts as the pending re-run instead.
func (r *Runner) begin(scope string, opts sync.Options) (sync.Options, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return opts, Stopped
	}
	st := r.state(scope)
	if st.running {
		st.pending = true
		st.pendingOpts = opts
		return opts, Queued
	}
	st.running = true
	r.wg.Add(1)
	return withToken(st, opts), Started
}

// Submit starts a run of scope in the background, or queues one re-run if a
// run is in flight. Later submissions replace the options of the queued one.
func (r *Runner) Submit(scope string, opts sync.Options) Status {
	opts, status := r.begin(scope, opts)
	switch status {
	case Started:
		go r.loop(scope, opts)
	case Queued:
		r.logger.Infow("sync already in progress, queuing pending re-run", "scope", scope)
	}
	return status
}

// RunNow is Submit that waits for the started run and its re-runs.
func (r *Runner) RunNow(scope string, opts sync.Options) Status {
	opts, status := r.begin(scope, opts)
	if status == Started {
		r.loop(scope, opts)
	}
	return status
}

// Trigger submits a run of scope once no further trigger arrived for the
// debounce delay.
func (r *Runner) Trigger(scope string) {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	d := r.state(scope).debounce
	r.mu.Unlock()

	d.trigger(func() {
		r.Submit(scope, sync.Options{})
	})
}

// Cancel asks the in-flight run of scope to stop before its next file and
// drops a queued re-run. It reports whether a run was in flight.
func (r *Runner) Cancel(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.scopes[scope]
	if !ok || !st.running {
		return false
	}
	st.pending = false
	st.pendingOpts = sync.Options{}
	if st.cancel != nil {
		st.cancel.Cancel()
	}
	r.logger.Infow("cancel requested", "scope", scope)
	return true
}

// Running reports whether scope has a run in flight.
func (r *Runner) Running(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.scopes[scope]
	return ok && st.running
}

// Close stops pending triggers, cancels in-flight runs and waits for them.
func (r *Runner) Close() {
	r.mu.Lock()
	r.stop()
	for _, st := range r.scopes {
		st.debounce.stop()
		st.pending = false
		if st.cancel != nil {
			st.cancel.Cancel()
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// loop runs scope until no re-run is pending.
func (r *Runner) loop(scope string, opts sync.Options) {
	defer r.wg.Done()
	for {
		if opts.Sink == nil && r.opts.Sinks != nil {
			opts.Sink = r.opts.Sinks(scope)
		}

		if r.opts.OnStart != nil {
			r.opts.OnStart(scope)
		}
		r.logger.Infow("performing sync operation", "scope", scope, "dry_run", opts.DryRun)
		report, err := r.syncer.Run(r.ctx, scope, opts)
		if err != nil {
			r.logger.Errorw("sync failed", "scope", scope, "error", err)
		} else if report != nil && report.Result != nil {
			r.logger.Infow("sync completed", "scope", scope, "outcome", report.Result.Outcome)
		}
		if r.opts.OnReport != nil {
			r.opts.OnReport(scope, report, err)
		}

		// Atomically check whether another run was requested while this one
		// was running. If not, release the running slot and stop.
		r.mu.Lock()
		st := r.state(scope)
		st.cancel = nil
		if !st.pending || r.ctx.Err() != nil {
			st.running = false
			st.pending = false
			r.mu.Unlock()
			return
		}
		st.pending = false
		opts = withToken(st, st.pendingOpts)
		st.pendingOpts = sync.Options{}
		r.mu.Unlock()

		r.logger.Infow("re-running sync due to pending request", "scope", scope)
	}
}
