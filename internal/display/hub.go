package display

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pitchoverlay/internal/observe"
)

// DefaultClientBuffer is the per-client queue length.
const DefaultClientBuffer = 64

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 5 * time.Second

// Sink receives finished display points.
type Sink interface {
	Publish(p Point)
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithEncoding sets the default wire format. Clients may override it with
// the ?encoding= query parameter.
func WithEncoding(e Encoding) HubOption { return func(h *Hub) { h.enc = e } }

// WithClientBuffer sets the per-client queue length.
func WithClientBuffer(n int) HubOption { return func(h *Hub) { h.buffer = n } }

// WithSession sets the session id and model name sent in the hello message.
func WithSession(id, model string) HubOption {
	return func(h *Hub) { h.sessionID, h.model = id, model }
}

// WithAggregator makes the hub include the aggregator's settings and history
// in every hello message.
func WithAggregator(a *Aggregator) HubOption { return func(h *Hub) { h.agg = a } }

// WithHubMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithHubMetrics(m *observe.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// WithHubLogger sets the logger. Defaults to [slog.Default].
func WithHubLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.log = l } }

// Hub fans display points out to websocket clients. Every client has a
// bounded queue; a client that falls behind loses messages instead of
// slowing the pipeline down.
//
// Hub is an [http.Handler] for the stream endpoint.
type Hub struct {
	enc       Encoding
	buffer    int
	sessionID string
	model     string
	agg       *Aggregator
	metrics   *observe.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	enc    Encoding
	queue  chan Message
	cancel context.CancelFunc
}

// NewHub returns a hub with no clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		enc:     EncodingJSON,
		buffer:  DefaultClientBuffer,
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.buffer <= 0 {
		h.buffer = DefaultClientBuffer
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Publish implements [Sink]. It never blocks.
func (h *Hub) Publish(p Point) {
	wp := p.Wire()
	h.broadcast(Message{Type: TypePoint, Point: &wp})
}

// PublishSettings tells every client that the display settings changed.
func (h *Hub) PublishSettings(s Settings) {
	h.broadcast(Message{Type: TypeSettings, Settings: &s})
}

func (h *Hub) broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.queue <- m:
		default:
			h.metrics.DisplayDropped.Add(context.Background(), 1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams messages until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc := h.enc
	if q := r.URL.Query().Get("encoding"); q != "" {
		e, err := ParseEncoding(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		enc = e
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Debug("display: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	c := &client{enc: enc, queue: make(chan Message, h.buffer), cancel: cancel}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)

	log := h.log.With("remote", r.RemoteAddr, "encoding", string(enc))
	log.Info("display: client connected")

	if err := write(ctx, conn, enc, h.hello()); err != nil {
		log.Debug("display: hello failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("display: client disconnected")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case m := <-c.queue:
			if err := write(ctx, conn, enc, m); err != nil {
				log.Debug("display: write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) hello() Message {
	m := Message{Type: TypeHello, SessionID: h.sessionID, Model: h.model}
	if h.agg != nil {
		s := h.agg.Settings()
		m.Settings = &s
		m.History = wireHistory(h.agg.History())
	}
	return m
}

func write(ctx context.Context, conn *websocket.Conn, enc Encoding, m Message) error {
	typ, data, err := encode(enc, m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, typ, data)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.metrics.DisplayClients.Add(context.Background(), 1)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.DisplayClients.Add(context.Background(), -1)
		h.wg.Done()
	}
}

// Close disconnects every client and waits for their handlers to return.
// New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
