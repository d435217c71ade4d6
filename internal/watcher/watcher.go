// Package watcher turns file system changes below the roots of watched
// scopes into sync triggers.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// Trigger receives the scope of every relevant change. The daemon runner
// debounces these into sync runs.
type Trigger interface {
	Trigger(scope string)
}

// SettleWindow is how long changes to the paths a run touched are ignored
// after the run ended. Events of the run's own writes may arrive late.
const SettleWindow = 2 * time.Second

// settled remembers what the last run of a scope wrote.
type settled struct {
	paths map[string]struct{} // touched paths and their parent directories
	until time.Time
}

// Watcher watches directory trees recursively.
type Watcher struct {
	fs      *fsnotify.Watcher
	trigger Trigger
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu     sync.Mutex
	roots  map[string][]string            // root -> scopes watching it
	active map[string]map[string]struct{} // scope -> paths changed during its run
	quiet  map[string]settled
}

// New creates a watcher that reports changes to trigger.
func New(trigger Trigger, logger *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Watcher{
		fs:      fsw,
		trigger: trigger,
		logger:  logger,
		now:     time.Now,
		roots:   make(map[string][]string),
		active:  make(map[string]map[string]struct{}),
		quiet:   make(map[string]settled),
	}, nil
}

// Begin marks scope as running. Changes below its roots are held back until
// Settle instead of triggering a run that would race the running one.
func (w *Watcher) Begin(scope string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[scope] = make(map[string]struct{})
	delete(w.quiet, scope)
}

// Settle ends the run of scope. touched lists the relative paths the run
// wrote, removed or moved. Held changes to other paths trigger a new run;
// changes to touched paths are ignored for SettleWindow.
func (w *Watcher) Settle(scope string, touched []string) {
	covered := make(map[string]struct{}, len(touched))
	for _, p := range touched {
		for p != "." && p != "/" && p != "" {
			covered[p] = struct{}{}
			p = path.Dir(p)
		}
	}

	w.mu.Lock()
	held := w.active[scope]
	delete(w.active, scope)
	w.quiet[scope] = settled{paths: covered, until: w.now().Add(SettleWindow)}
	var foreign []string
	for p := range held {
		if _, ok := covered[p]; !ok {
			foreign = append(foreign, p)
		}
	}
	w.mu.Unlock()

	if len(foreign) > 0 {
		w.logger.Debugw("changes during sync, triggering again", "scope", scope, "paths", len(foreign))
		w.trigger.Trigger(scope)
	}
}

// suppressed reports whether a change to rel must not trigger scope now.
func (w *Watcher) suppressed(scope, rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if held, ok := w.active[scope]; ok {
		held[rel] = struct{}{}
		return true
	}
	q, ok := w.quiet[scope]
	if !ok {
		return false
	}
	if w.now().After(q.until) {
		delete(w.quiet, scope)
		return false
	}
	_, ok = q.paths[rel]
	return ok
}

// Add watches every directory below roots on behalf of scope.
func (w *Watcher) Add(scope string, roots ...string) error {
	for _, root := range roots {
		root = filepath.Clean(root)
		if err := w.addTree(root); err != nil {
			return errors.Wrapf(err, "failed to watch %s", root)
		}
		w.mu.Lock()
		w.roots[root] = append(w.roots[root], scope)
		w.mu.Unlock()
		w.logger.Debugw("watching root", "scope", scope, "root", root)
	}
	return nil
}

// addTree adds dir and all directories below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory removed during the walk is not an error.
			if path != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fs.Add(path)
	})
}

type match struct {
	scope string
	rel   string // slash separated path below the root
}

// matches returns the scopes whose roots contain name.
func (w *Watcher) matches(name string) []match {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []match
	for root, scopes := range w.roots {
		if name != root && !strings.HasPrefix(name, root+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(root, name)
		if err != nil {
			continue
		}
		for _, scope := range scopes {
			out = append(out, match{scope: scope, rel: filepath.ToSlash(rel)})
		}
	}
	return out
}

// Run handles events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), snapshot.TempPrefix) {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warnw("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	for _, m := range w.matches(event.Name) {
		if w.suppressed(m.scope, m.rel) {
			continue
		}
		w.logger.Debugw("change detected", "scope", m.scope, "path", event.Name, "op", event.Op.String())
		w.trigger.Trigger(m.scope)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
