package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/modeldeck/modeldeck/internal/ops"
)

// retainFinished keeps a finished operation's events available so a client
// that connects late (or reconnects) can still learn the outcome.
const retainFinished = 5 * time.Minute

const liveBuffer = 64

// streamHub owns the event streams of in-flight operations. Each stream
// buffers events until a websocket attaches, then feeds it live; streams
// stay readable for a grace period after the terminal event.
type streamHub struct {
	mu      sync.Mutex
	streams map[string]*opStream
}

type opStream struct {
	mu      sync.Mutex
	backlog []ops.Event
	live    chan ops.Event
	done    bool
}

func newStreamHub() *streamHub {
	return &streamHub{streams: make(map[string]*opStream)}
}

// run registers a stream for id and pumps events into it until the source
// channel closes. onEvent, when non-nil, observes every event before
// delivery; the chat handler uses it to persist completed sessions.
func (h *streamHub) run(id string, events <-chan ops.Event, onEvent func(ops.Event)) {
	s := &opStream{}
	h.mu.Lock()
	h.streams[id] = s
	h.mu.Unlock()

	go func() {
		for ev := range events {
			if onEvent != nil {
				onEvent(ev)
			}
			s.mu.Lock()
			if s.live != nil {
				select {
				case s.live <- ev:
				default:
					// The attached client is not keeping up. Drop rather
					// than stall the operation pump.
					slog.Warn("event stream backpressure, dropping event", "operation_id", id, "type", ev.Type)
				}
			} else {
				s.backlog = append(s.backlog, ev)
			}
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.done = true
		if s.live != nil {
			close(s.live)
			s.live = nil
		}
		s.mu.Unlock()

		time.AfterFunc(retainFinished, func() {
			h.mu.Lock()
			delete(h.streams, id)
			h.mu.Unlock()
		})
	}()
}

// attach claims the stream for a client. It returns the buffered backlog
// and, for a still-running operation, a live channel. A second attach
// replaces the first.
func (h *streamHub) attach(id string) (replay []ops.Event, live <-chan ops.Event, ok bool) {
	h.mu.Lock()
	s, ok := h.streams[id]
	h.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replay = s.backlog
	s.backlog = nil
	if s.done {
		return replay, nil, true
	}
	if s.live != nil {
		close(s.live)
	}
	s.live = make(chan ops.Event, liveBuffer)
	return replay, s.live, true
}

// detach releases the stream so later events buffer again instead of being
// sent to a gone client.
func (h *streamHub) detach(id string, live <-chan ops.Event) {
	h.mu.Lock()
	s, ok := h.streams[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil && s.live == live {
		close(s.live)
		s.live = nil
	}
}

// The API is bound to loopback for the desktop client, so cross-origin
// checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleOperationEvents streams one operation's events over a websocket,
// replaying anything the client missed, and closes after the terminal
// event.
func handleOperationEvents(hub *streamHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		replay, live, ok := hub.attach(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "operation_id", id, "error", err)
			if live != nil {
				hub.detach(id, live)
			}
			return
		}
		defer conn.Close()

		// Surface client-side closes so the write loop can stop.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for _, ev := range replay {
			if err := conn.WriteJSON(ev); err != nil {
				hub.detach(id, live)
				return
			}
			if ev.Terminal() {
				return
			}
		}

		if live == nil {
			return
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					hub.detach(id, live)
					return
				}
				if ev.Terminal() {
					return
				}
			case <-closed:
				hub.detach(id, live)
				return
			}
		}
	}
}
