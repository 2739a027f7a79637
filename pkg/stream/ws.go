package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler streams audit events to a websocket client. Query parameters
// entity_id and entity_type narrow the subscription.
type Handler struct {
	Hub            *Hub
	OriginPatterns []string
	Buffer         int
	WriteTimeout   time.Duration
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	q := r.URL.Query()
	sub := h.Hub.Subscribe(max(h.Buffer, 64), Filter{
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		EntityType: strings.TrimSpace(q.Get("entity_type")),
	})
	defer h.Hub.Unsubscribe(sub)

	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)
	_ = wsjson.Write(ctx, conn, NewEvent("ready", nil))
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusInternalError, "write_failed")
				return
			}
		}
	}
}

// OriginPatterns splits a comma-separated allowlist for websocket.AcceptOptions.
func OriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
