package server

import (
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/progress"
)

const (
	writeWait      = 10 * time.Second
	subscriberSize = 256
)

// subscriber streams the events of one scope to one websocket client.
type subscriber struct {
	conn   *websocket.Conn
	events chan progress.Event
	done   chan struct{}
	once   stdsync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Hub keeps at most one subscriber per scope. A newer subscriber replaces
// the previous one, whose connection is closed.
type Hub struct {
	mu     stdsync.Mutex
	subs   map[string]*subscriber
	logger *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{subs: make(map[string]*subscriber), logger: logger}
}

// Sink returns the progress sink of scope. Events are dropped while nobody
// is subscribed. Intermediate events are also dropped when the client falls
// behind; all other events wait for it.
func (h *Hub) Sink(scope string) progress.Sink {
	return progress.Func(func(e progress.Event) {
		h.mu.Lock()
		sub := h.subs[scope]
		h.mu.Unlock()
		if sub == nil {
			return
		}
		if progress.IsIntermediate(e) {
			select {
			case sub.events <- e:
			default:
			}
			return
		}
		select {
		case sub.events <- e:
		case <-sub.done:
		}
	})
}

// Subscribed reports whether scope has a subscriber.
func (h *Hub) Subscribed(scope string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[scope] != nil
}

// attach registers conn for scope and blocks while it is being served.
func (h *Hub) attach(scope string, conn *websocket.Conn) {
	sub := &subscriber{
		conn:   conn,
		events: make(chan progress.Event, subscriberSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if old := h.subs[scope]; old != nil {
		h.logger.Infow("replacing event subscriber", "scope", scope)
		old.close()
	}
	h.subs[scope] = sub
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.subs[scope] == sub {
			delete(h.subs, scope)
		}
		h.mu.Unlock()
		sub.close()
		_ = conn.Close()
	}()

	// The read loop notices a closed client. The server's read timeout
	// still applies to the hijacked connection and is lifted here.
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.close()
				return
			}
		}
	}()

	for {
		select {
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
				time.Now().Add(writeWait))
			return
		case e := <-sub.events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(progress.Wrap(e)); err != nil {
				h.logger.Debugw("event subscriber gone", "scope", scope, "error", err)
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.close()
	}
}
