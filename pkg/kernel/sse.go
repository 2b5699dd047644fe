package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/manthysbr/scribed/internal/core/domain"
)

// sseWriter frames job events as server-sent events. Headers are written
// with the first event so a lookup failure can still be answered with a
// plain JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Send writes one frame. Synthetic events (negative seq) carry no id so a
// reconnecting client resumes from the last real event.
func (s *sseWriter) Send(e domain.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}
	s.start()
	if e.Seq >= 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", e.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
