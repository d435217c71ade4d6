package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sink receives progress events in emission order.
type Sink interface {
	Emit(e Event)
}

// Func adapts a function to a Sink.
type Func func(e Event)

// Emit calls f(e).
func (f Func) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = Func(func(Event) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Channel delivers events to a single reader over a buffered channel.
// Emit blocks when the buffer is full, so no event is lost.
type Channel struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewChannel creates a Channel sink with the given buffer size.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan Event, buffer)}
}

// Emit sends e to the reader. Events emitted after Close are dropped.
func (c *Channel) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ch <- e
}

// Events returns the receive side of the channel.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Close closes the channel once the producer is done.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// throttled forwards intermediate events at a bounded rate.
type throttled struct {
	next    Sink
	limiter *rate.Limiter
}

// Throttle wraps next so that scan/diff/sync progress events are forwarded at
// most once per interval. Every other event is forwarded unchanged.
func Throttle(next Sink, interval time.Duration) Sink {
	if interval <= 0 {
		return OrDiscard(next)
	}
	return &throttled{
		next:    OrDiscard(next),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (t *throttled) Emit(e Event) {
	if IsIntermediate(e) && !t.limiter.Allow() {
		return
	}
	t.next.Emit(e)
}

// Tee forwards each event to every sink in order.
func Tee(sinks ...Sink) Sink {
	return Func(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// Log returns a sink that writes terminal and error events to logger.
// Intermediate events are logged at debug level.
func Log(logger *zap.SugaredLogger) Sink {
	return Func(func(e Event) {
		switch ev := e.(type) {
		case ScanStarted:
			logger.Infow("scan started", "path", ev.Path)
		case ScanComplete:
			logger.Infow("scan complete", "total_files", ev.TotalFiles, "duration", ev.Duration)
		case DiffComplete:
			logger.Infow("diff complete", "total_entries", ev.TotalEntries)
		case SyncStarted:
			logger.Infow("sync started", "total_files", ev.TotalFiles, "total_bytes", ev.TotalBytes)
		case SyncComplete:
			logger.Infow("sync complete", "files_synced", ev.FilesSynced, "duration", ev.Duration)
		case SyncError:
			logger.Warnw("sync error", "file", ev.File, "error", ev.Message)
		default:
			logger.Debugw(e.Kind(), "event", e)
		}
	})
}
