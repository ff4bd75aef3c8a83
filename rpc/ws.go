package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"taolend/journal"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams journalled engine events to a websocket client. The
// optional cursor query parameter names the last sequence the client has
// already processed; entries after it are replayed before live delivery takes
// over.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.journal == nil {
		http.Error(w, "event journal unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
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

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog, err := s.journal.Subscribe(ctx, cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, entry := range backlog {
		if err := writeJournalEntry(ctx, conn, entry); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return err
			}
		}
	}
}

func writeJournalEntry(ctx context.Context, conn *websocket.Conn, entry journal.Entry) error {
	attrs, err := entry.DecodeAttributes()
	if err != nil {
		return err
	}
	payload := lendEventResult{
		Sequence:   entry.Sequence,
		Type:       entry.Type,
		Attributes: attrs,
		Timestamp:  entry.Timestamp,
		Digest:     entry.Digest,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
