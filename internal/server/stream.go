package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

const streamBuffer = 64

// stream pushes feed events as server-sent events. A reconnecting client
// sends Last-Event-ID and gets what it missed from the buffer; a new client
// gets the live display window first. An event is sent again when its order
// result is attached.
func (s *Server) stream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		Error(c, http.StatusInternalServerError, failure.KindInternal, "streaming unsupported", nil)
		return
	}
	w := c.Writer
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.deps.Feed.Subscribe(streamBuffer)
	defer cancel()

	backlog := replayFrom(s.deps.Feed, strings.TrimSpace(c.GetHeader("Last-Event-ID")))
	observ.IncCounter("feed_stream_clients_total", nil)
	observ.L().Debug("sse client connected", zap.String("rid", c.GetString(ridKey)), zap.Int("backlog", len(backlog)))

	for _, e := range backlog {
		if err := writeEvent(w, e); err != nil {
			return
		}
	}
	if err := writeWatermark(w, len(backlog)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replayFrom returns buffered events after lastID, oldest first. An unknown
// id replays everything still buffered.
func replayFrom(f EventFeed, lastID string) []feed.Event {
	var src []feed.Event
	if lastID == "" {
		src = f.Recent(0)
	} else {
		src = f.History(0)
		for i, e := range src {
			if e.ID == lastID {
				src = src[:i]
				break
			}
		}
	}
	out := make([]feed.Event, len(src))
	for i, e := range src {
		out[len(src)-1-i] = e
	}
	return out
}

func writeEvent(w io.Writer, e feed.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", strings.ToLower(string(e.Outcome)), e.ID, b)
	return err
}

func writeWatermark(w io.Writer, replayed int) error {
	b, _ := json.Marshal(map[string]any{
		"server_watermark_utc": time.Now().UTC().Format(time.RFC3339),
		"replayed":             replayed,
	})
	_, err := fmt.Fprintf(w, "event: watermark\ndata: %s\n\n", b)
	return err
}
