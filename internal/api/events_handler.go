package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/tesgw/internal/events"
)

const (
	sseKeepAlive = 15 * time.Second
	// sseRetry is the reconnect delay suggested to EventSource clients.
	sseRetry = 3 * time.Second
)

// handleEvents streams dispatched events as Server-Sent Events.
//
// ?type=channel.follow,revocation narrows the stream to those event types.
// Last-Event-ID resumes after the given hub id; whatever is still in the
// ring buffer is replayed before live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	stream, ok := newSSEStream(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	wanted := parseTypeFilter(r.URL.Query().Get("type"))

	// Subscribe before the snapshot so nothing published in between is lost.
	live, cancel := s.events.Subscribe()
	defer cancel()

	stream.open()
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(lastID) {
		lastID = ev.ID
		if !wanted.match(ev.Type) {
			continue
		}
		if err := stream.send(ev); err != nil {
			return
		}
	}
	stream.flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				_ = stream.comment("hub closed")
				return
			}
			// Already replayed from the snapshot.
			if ev.ID <= lastID || !wanted.match(ev.Type) {
				continue
			}
			if err := stream.send(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseStream{w: w, flusher: flusher}, true
}

func (s *sseStream) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	fmt.Fprintf(s.w, "retry: %d\n\n", sseRetry.Milliseconds())
}

func (s *sseStream) send(ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// Each payload line needs its own data: prefix.
	for _, line := range strings.Split(string(ev.Data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseStream) flush() { s.flusher.Flush() }

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// typeFilter is a set of event types; the empty set matches everything.
type typeFilter map[string]struct{}

func parseTypeFilter(raw string) typeFilter {
	f := typeFilter{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}
