package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"fundvault/core/types"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams ledger events over a websocket. The optional cursor
// query parameter names the last sequence the client has seen; the backlog
// after it is replayed before live delivery starts.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	updates, cancel, backlog := s.node.SubscribeEvents(ctx, cursor)
	defer cancel()

	for _, event := range backlog {
		if err := writeEvent(ctx, conn, event); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
