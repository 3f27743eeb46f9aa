package localapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"codedeck/internal/protocol"
)

// Editors keep an inbound-only connection: the hub pushes directory change
// events and never expects frames back.
const clientWriteWindow = 500 * time.Millisecond

// WSHub fans directory change events out to every connected editor.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	seq     atomic.Uint64
}

func NewWSHub() *WSHub {
	return &WSHub{clients: map[*websocket.Conn]struct{}{}}
}

func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.attach(conn)
	defer func() {
		h.detach(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Park on reads until the client goes away.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish broadcasts one typed change event. Slow clients get a short write
// window and are otherwise skipped; they catch up on their next list fetch.
func (h *WSHub) Publish(topic string, change protocol.ChangePayload) {
	evt := protocol.NewEvent(fmt.Sprintf("evt_%d", h.seq.Add(1)), topic, change)
	msg, err := json.Marshal(evt)
	if err != nil {
		return
	}
	for _, conn := range h.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), clientWriteWindow)
		_ = conn.Write(ctx, websocket.MessageText, msg)
		cancel()
	}
}

func (h *WSHub) attach(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *WSHub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *WSHub) snapshot() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	return conns
}
