package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/tesgw/internal/events"
)

// --- Message types ---

type eventMsg events.Event

// statusMsg mirrors the gateway's GET /status body.
type statusMsg struct {
	Transport            string           `json:"transport"`
	UptimeSeconds        int64            `json:"uptime_seconds"`
	Connections          []connectionInfo `json:"connections"`
	SocketSubscriptions  int              `json:"socket_subscriptions"`
	PendingVerifications int              `json:"pending_verifications"`
	Handlers             []string         `json:"handlers"`
	EventListeners       int              `json:"event_listeners"`
}

type connectionInfo struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
}

type tickMsg time.Time

type errMsg error

// streamEndedMsg carries the last event id seen so the next stream resumes after it.
type streamEndedMsg struct{ lastID int64 }

type reconnectMsg struct{ lastID int64 }

// --- Commands ---

// streamEvents connects to GET /events and feeds events into ch until the
// stream ends. lastID is sent as Last-Event-ID so buffered events are replayed.
func streamEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamEndedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("GET /events: status %d", resp.StatusCode))
		}

		readSSE(resp.Body, func(e events.Event) {
			lastID = e.ID
			ch <- e
		})
		return streamEndedMsg{lastID: lastID}
	}
}

// readSSE parses a text/event-stream body and calls emit per complete event.
// Comment lines (keep-alives) are skipped.
func readSSE(r io.Reader, emit func(events.Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		cur  events.Event
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				cur.At = time.Now()
				cur.Data = json.RawMessage(data.String())
				emit(cur)
			}
			cur = events.Event{}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.ID = id
			}
		case "event":
			cur.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries GET /status.
func fetchStatus(apiURL, apiKey string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/status", nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("GET /status: status %d", resp.StatusCode))
	}

	var s statusMsg
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return errMsg(err)
	}
	return s
}
