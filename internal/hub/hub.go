// Package hub fans envelopes out to display clients. One goroutine owns the
// client set; every client has its own bounded queue and writer.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/telemetry"
)

const DefaultGreeting = "Connected to multichat server"

var ErrClosed = errors.New("hub: closed")

// Conn is one outbound transport. Write is only called from the client's
// writer goroutine.
type Conn interface {
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Snapshotter supplies the envelopes a new client gets after the greeting:
// badges when loaded, then every platform status.
type Snapshotter interface {
	Snapshot() []core.Envelope
}

type Options struct {
	// QueueSize bounds the shared ingestion queue.
	QueueSize int
	// ClientQueue bounds each client's outbound queue.
	ClientQueue  int
	WriteTimeout time.Duration
	Greeting     string
	// Origins are the cross-origin hosts allowed to open a websocket, as
	// filepath.Match patterns ("overlay.example", "*.example", "*").
	// Same-origin and Origin-less clients are always accepted.
	Origins []string
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

type opKind int

const (
	opPublish opKind = iota
	opRegister
	opUnregister
)

type op struct {
	kind opKind
	env  core.Envelope
	c    *Client
}

type Hub struct {
	opts    Options
	snap    Snapshotter
	log     *slog.Logger
	metrics *telemetry.Metrics

	ops     chan op
	done    chan struct{}
	started atomic.Bool

	// closed is set under mu before the final drain of ops.
	mu     sync.RWMutex
	closed bool

	// clients is only touched by the run goroutine.
	clients map[*Client]struct{}
	count   atomic.Int64
	dropped atomic.Uint64
}

func New(opts Options, snap Snapshotter) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.ClientQueue <= 0 {
		opts.ClientQueue = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:    opts,
		snap:    snap,
		log:     logger,
		metrics: opts.Metrics,
		ops:     make(chan op, opts.QueueSize),
		done:    make(chan struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// SetSnapshotter replaces the snapshot source. It must be called before Run.
func (h *Hub) SetSnapshotter(s Snapshotter) {
	if h.started.Load() {
		panic("hub: SetSnapshotter after Run")
	}
	h.snap = s
}

// Run processes the ingestion queue until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub: already running")
	}
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case o := <-h.ops:
			switch o.kind {
			case opPublish:
				h.broadcast(o.env)
			case opRegister:
				h.add(o.c)
			case opUnregister:
				if _, ok := h.clients[o.c]; ok {
					h.remove(o.c)
				}
			}
		}
	}
}

// Publish queues env for every client. It never blocks; when the queue is
// full the envelope is dropped and false is returned.
func (h *Hub) Publish(env core.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.ops <- op{kind: opPublish, env: env}:
		return true
	default:
		n := h.dropped.Add(1)
		h.metrics.IncHubDrop("queue_full")
		if n == 1 || n%100 == 0 {
			h.log.Warn("hub: ingestion queue full, dropping envelope", "type", env.Type, "dropped", n)
		}
		return false
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Clients is the number of registered clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Dropped is the number of envelopes dropped at the ingestion queue.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Attach registers conn under transport and starts its writer. The client
// receives the greeting and snapshot before any later publish.
func (h *Hub) Attach(ctx context.Context, transport string, conn Conn) (*Client, error) {
	c := &Client{
		ID:        uuid.NewString(),
		Transport: transport,
		hub:       h,
		conn:      conn,
		queue:     make(chan []byte, h.opts.ClientQueue),
		done:      make(chan struct{}),
	}
	go c.writeLoop()

	if err := h.send(ctx, op{kind: opRegister, c: c}); err != nil {
		close(c.queue)
		<-c.done
		return nil, err
	}
	return c, nil
}

func (h *Hub) unregister(c *Client) {
	_ = h.send(context.Background(), op{kind: opUnregister, c: c})
}

// send queues a control op, waiting for room while the hub is open.
func (h *Hub) send(ctx context.Context, o op) error {
	for {
		h.mu.RLock()
		if h.closed {
			h.mu.RUnlock()
			return ErrClosed
		}
		select {
		case h.ops <- o:
			h.mu.RUnlock()
			return nil
		default:
		}
		h.mu.RUnlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for c := range h.clients {
		h.remove(c)
	}
	for {
		select {
		case o := <-h.ops:
			if o.kind == opRegister {
				close(o.c.queue)
			}
		default:
			h.log.Info("hub: stopped", "dropped", h.dropped.Load())
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	frames := []core.Envelope{core.ConnectionEnvelope(h.opts.Greeting)}
	if h.snap != nil {
		frames = append(frames, h.snap.Snapshot()...)
	}
	for _, env := range frames {
		frame, err := json.Marshal(env)
		if err != nil {
			h.log.Error("hub: marshal snapshot", "type", env.Type, "err", err)
			continue
		}
		c.enqueue(frame)
	}
	h.clients[c] = struct{}{}
	h.count.Store(int64(len(h.clients)))
	h.metrics.AddClients(c.Transport, 1)
	h.log.Info("hub: client joined", "id", c.ID, "transport", c.Transport, "clients", len(h.clients))
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.queue)
	h.count.Store(int64(len(h.clients)))
	h.metrics.AddClients(c.Transport, -1)
	h.log.Info("hub: client left", "id", c.ID, "transport", c.Transport, "clients", len(h.clients))
}

func (h *Hub) broadcast(env core.Envelope) {
	if len(h.clients) == 0 {
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error("hub: marshal envelope", "type", env.Type, "err", err)
		return
	}
	for c := range h.clients {
		if !c.enqueue(frame) {
			h.metrics.IncHubDrop("client_queue_full")
			h.log.Debug("hub: client queue full, dropping", "id", c.ID, "type", env.Type)
		}
	}
}
