package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/logging"
	"collabtext/server/internal/registry"
)

type StreamConfig struct {
	Heartbeat   time.Duration
	SendBuffer  int
	InboxSize   int
	MaxBodySize int64
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Heartbeat:   30 * time.Second,
		SendBuffer:  256,
		InboxSize:   64,
		MaxBodySize: 1 << 20,
	}
}

// Stream serves the event-stream transport: GET opens the stream, POST to
// /{clientId} submits commands for that connection.
type Stream struct {
	hub *collab.Hub
	cfg StreamConfig

	mu    sync.RWMutex
	conns map[string]*streamConn
}

func NewStream(hub *collab.Hub, cfg StreamConfig) *Stream {
	return &Stream{hub: hub, cfg: cfg, conns: make(map[string]*streamConn)}
}

type streamConn struct {
	id    string
	send  chan collab.Event
	inbox chan collab.Command

	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Transport() registry.Transport { return registry.Stream }

func (c *streamConn) Send(ev collab.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		logging.Warn().Str("clientId", c.id).Msg("send buffer full, closing slow stream")
		c.close()
		return false
	}
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// process runs this connection's commands in order. It closes finished on
// return.
func (c *streamConn) process(ctx context.Context, hub *collab.Hub, finished chan<- struct{}) {
	defer close(finished)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case cmd := <-c.inbox:
			hub.Handle(ctx, c, cmd)
		}
	}
}

// Connect holds the event stream open until the client goes away.
func (s *Stream) Connect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flush()

	c := &streamConn{
		id:    collab.NewClientID(registry.Stream),
		send:  make(chan collab.Event, s.cfg.SendBuffer),
		inbox: make(chan collab.Command, s.cfg.InboxSize),
		done:  make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.hub.Attach(c)
	finished := make(chan struct{})
	go c.process(ctx, s.hub, finished)

	defer func() {
		c.close()
		cancel()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		// A command already running must not rejoin a project after Detach.
		<-finished
		s.hub.Detach(c)
	}()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.send:
			if err := sse.writeEvent(ev.Type, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}

// Command accepts one {type, data} object or an array of them. Replies,
// including decode errors, arrive on the client's event stream.
func (s *Stream) Command(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["clientId"]
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no open stream for client %q", id))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read body")
		return
	}

	accepted := 0
	for _, raw := range splitBatch(body) {
		cmd, err := collab.DecodeCommand(raw)
		if err != nil {
			s.hub.Reject(c, "", err)
			continue
		}
		select {
		case c.inbox <- cmd:
			accepted++
		case <-c.done:
			writeJSONError(w, http.StatusGone, "stream closed")
			return
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
}

// splitBatch returns the elements of a JSON array body, or the body itself.
// An unparsable array is returned whole so the decoder reports it.
func splitBatch(body []byte) [][]byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{body}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return [][]byte{body}
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// Open reports how many streams are connected.
func (s *Stream) Open() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll ends every open stream.
func (s *Stream) CloseAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.close()
	}
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) flush() {
	s.flusher.Flush()
}

func (s *sseWriter) writeEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := io.WriteString(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": http.StatusText(status), "message": msg},
	})
}
