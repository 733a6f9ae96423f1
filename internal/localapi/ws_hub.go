package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// TimelineHub re-publishes pane timeline transitions to connected
// subscribers as they are recorded, the live-push analogue of the
// teacher's WSHub/appserver.EdgeWSHub — an external-collaborator
// convenience layered on top of the core, not a core invariant.
type TimelineHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewTimelineHub() *TimelineHub {
	return &TimelineHub{clients: map[*websocket.Conn]struct{}{}}
}

func (h *TimelineHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish fans a pane timeline event out to every connected subscriber.
func (h *TimelineHub) Publish(paneID string, payload map[string]any) {
	out := map[string]any{"paneId": paneID}
	for k, v := range payload {
		out[k] = v
	}
	msg, err := json.Marshal(out)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_ = c.Write(ctx, websocket.MessageText, msg)
		cancel()
	}
}
