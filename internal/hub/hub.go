// Package hub fans real-time events out to authenticated websocket clients.
// Delivery is best-effort and at-most-once; durable history lives in the
// notification log.
package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const (
	DefaultHeartbeat        = 30 * time.Second
	DefaultMaxFrameBytes    = 4096
	DefaultMaxSubscriptions = 50
	defaultWriteTimeout     = 5 * time.Second
)

// Config holds hub settings. Zero values select the defaults.
type Config struct {
	Token            string
	Heartbeat        time.Duration
	MaxFrameBytes    int
	MaxSubscriptions int
	WriteTimeout     time.Duration
}

// Hub owns the connection registry. Connect, disconnect, and broadcast are
// the only paths that touch it.
type Hub struct {
	cfg    Config
	mu     sync.RWMutex
	conns  map[string]*client
	logger *slog.Logger
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{cfg: cfg, conns: make(map[string]*client), logger: slog.Default()}
}

type client struct {
	id string
	ws *websocket.Conn

	sendMu sync.Mutex

	mu    sync.Mutex
	jobs  map[int64]struct{} // nil means unfiltered
	alive bool
}

func (c *client) wants(jobID *int64) bool {
	if jobID == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobs == nil {
		return true
	}
	_, ok := c.jobs[*jobID]
	return ok
}

func (c *client) send(ev Event, timeout time.Duration) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, ev)
}

// Handler returns the websocket endpoint. The token is checked during the
// handshake, so a bad token is answered with 403 and never upgraded.
func (h *Hub) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(_ *websocket.Config, r *http.Request) error {
			if !h.authorized(r) {
				return errors.New("invalid token")
			}
			return nil
		},
		Handler: h.serve,
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.cfg.Token == "" {
		return false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.Token)) == 1
}

func (h *Hub) serve(ws *websocket.Conn) {
	ws.MaxPayloadBytes = h.cfg.MaxFrameBytes
	c := &client{id: uuid.NewString(), ws: ws, alive: true}
	// The ack goes out before registration so no broadcast can precede it.
	if err := c.send(Event{Type: KindConnected, Data: connectedData{ConnectionID: c.id}}, h.cfg.WriteTimeout); err != nil {
		ws.Close()
		return
	}
	h.register(c)
	defer h.deregister(c)

	for {
		var msg string
		err := websocket.Message.Receive(ws, &msg)
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			h.reject(c, fmt.Errorf("%w: frame exceeds %d bytes", ErrValidation, h.cfg.MaxFrameBytes))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("hub read ended", "connection_id", c.id, "error", err)
			}
			return
		}
		if err := h.handle(c, msg); err != nil {
			h.reject(c, err)
		}
	}
}

func (h *Hub) handle(c *client, msg string) error {
	in, err := decodeInbound(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()

	switch in.Type {
	case KindPing:
		return c.send(Event{Type: KindPong}, h.cfg.WriteTimeout)
	case KindPong:
		return nil
	case KindSubscribe:
		ids, err := parseJobIDs(in.JobIDs, h.cfg.MaxSubscriptions)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if len(ids) == 0 {
			c.jobs = nil
		} else {
			c.jobs = make(map[int64]struct{}, len(ids))
			for _, id := range ids {
				c.jobs[id] = struct{}{}
			}
		}
		c.mu.Unlock()
		if ids == nil {
			ids = []int64{}
		}
		return c.send(Event{Type: KindSubscribed, Data: subscribedData{JobIDs: ids}}, h.cfg.WriteTimeout)
	}
	return nil
}

func (h *Hub) reject(c *client, err error) {
	if !errors.Is(err, ErrValidation) {
		h.logger.Debug("hub send failed", "connection_id", c.id, "error", err)
		return
	}
	msg := strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
	if sendErr := c.send(Event{Type: KindError, Data: errorData{Message: msg}}, h.cfg.WriteTimeout); sendErr != nil {
		h.logger.Debug("hub error reply failed", "connection_id", c.id, "error", sendErr)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("hub client connected", "connection_id", c.id, "connections", n)
}

func (h *Hub) deregister(c *client) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	c.ws.Close()
	if ok {
		h.logger.Info("hub client disconnected", "connection_id", c.id, "connections", n)
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends ev to every interested connection and returns how many
// sends succeeded. A failed send closes that connection.
func (h *Hub) Broadcast(ev Event) int {
	sent := 0
	for _, c := range h.snapshot() {
		if !c.wants(ev.JobID) {
			continue
		}
		if err := c.send(ev, h.cfg.WriteTimeout); err != nil {
			h.logger.Debug("hub broadcast failed, dropping client", "connection_id", c.id, "error", err)
			h.deregister(c)
			continue
		}
		sent++
	}
	return sent
}

// Run sends heartbeats until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.snapshot() {
				h.deregister(c)
			}
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat closes clients that did not answer the previous ping and pings
// the rest.
func (h *Hub) heartbeat() {
	for _, c := range h.snapshot() {
		c.mu.Lock()
		alive := c.alive
		c.alive = false
		c.mu.Unlock()
		if !alive {
			h.logger.Info("hub client missed heartbeat", "connection_id", c.id)
			h.deregister(c)
			continue
		}
		if err := c.send(Event{Type: KindPing}, h.cfg.WriteTimeout); err != nil {
			h.deregister(c)
		}
	}
}
