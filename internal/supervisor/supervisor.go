// Package supervisor owns one handle per platform. It builds adapters on
// demand, routes their messages through normalization into the window and
// the hub, and keeps the status table the API and new clients read.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/badges"
	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/ingesttrace"
	"github.com/you/multichat/internal/telemetry"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNotConfigured   = errors.New("platform not configured")
	ErrShuttingDown    = errors.New("supervisor shutting down")
)

// Spec describes one platform slot.
type Spec struct {
	Platform core.Platform
	Channel  string
	// Unconfigured, when set, is the status message shown instead of ever
	// building an adapter.
	Unconfigured string
	AutoStart    bool
	Factory      func(adapter.Callbacks) (adapter.Adapter, error)
	// Watch, when set, calls onChange whenever the platform's credentials
	// change on disk. A running adapter is restarted.
	Watch func(ctx context.Context, onChange func()) error
}

// Publisher is the hub side of the pipeline.
type Publisher interface {
	Publish(env core.Envelope) bool
}

// Recorder is the window side of the pipeline.
type Recorder interface {
	Write(core.ChatMessage) error
}

type Options struct {
	Platforms []Spec
	Hub       Publisher
	Window    Recorder
	Badges    *badges.Cache
	Metrics   *telemetry.Metrics
	Counters  *ingesttrace.Counters
	// Clock stamps normalized messages; a fresh clock when nil.
	Clock  *core.Clock
	Logger *slog.Logger
}

type handle struct {
	spec Spec

	// mu guards ad only. It is never held across an adapter's Start or Stop,
	// which may block for a connect or stop timeout.
	mu sync.Mutex
	ad adapter.Adapter

	stMu   sync.Mutex
	status core.Status
}

type Supervisor struct {
	handles  map[core.Platform]*handle
	hub      Publisher
	window   Recorder
	badges   *badges.Cache
	metrics  *telemetry.Metrics
	counters *ingesttrace.Counters
	clock    *core.Clock
	log      *slog.Logger

	// life ends when Shutdown begins; pending starts are cancelled with it.
	life    context.Context
	endLife context.CancelFunc
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	counters := opts.Counters
	if counters == nil {
		counters = ingesttrace.NewCounters()
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.NewClock(nil)
	}
	s := &Supervisor{
		handles:  make(map[core.Platform]*handle, len(opts.Platforms)),
		hub:      opts.Hub,
		window:   opts.Window,
		badges:   opts.Badges,
		metrics:  opts.Metrics,
		counters: counters,
		clock:    clock,
		log:      logger,
	}
	s.life, s.endLife = context.WithCancel(context.Background())
	for _, spec := range opts.Platforms {
		st := core.Status{State: core.StateStopped, Message: "Not started", Channel: spec.Channel}
		if spec.Unconfigured != "" {
			st = core.Status{State: core.StateStopped, Message: spec.Unconfigured}
		}
		s.handles[spec.Platform] = &handle{spec: spec, status: st}
		s.metrics.SetAdapterState(spec.Platform, st.State)
	}
	if s.badges != nil {
		s.badges.OnUpdate = func(cat *badges.Catalog) {
			s.log.Info("supervisor: badge catalog loaded", "channel", cat.Channel, "sets", cat.Sets())
			s.publish(core.BadgesEnvelope(cat))
		}
	}
	return s
}

func (s *Supervisor) lookup(p core.Platform) (*handle, error) {
	h, ok := s.handles[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
	if h.spec.Unconfigured != "" {
		return h, fmt.Errorf("%w: %s", ErrNotConfigured, h.spec.Unconfigured)
	}
	return h, nil
}

// Start starts p's adapter, building it on first use, and reports whether it
// is connected when Start returns. Stop and Shutdown may run while Start is
// still waiting on the first connection attempt.
func (s *Supervisor) Start(ctx context.Context, p core.Platform) (bool, error) {
	h, err := s.lookup(p)
	if err != nil {
		return false, err
	}
	ad, err := s.adapterFor(h)
	if err != nil {
		return false, err
	}
	return s.startAdapter(ctx, h, ad)
}

// adapterFor returns h's adapter, building it on first use.
func (s *Supervisor) adapterFor(h *handle) (adapter.Adapter, error) {
	if s.closing() {
		return nil, ErrShuttingDown
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ad != nil {
		return h.ad, nil
	}
	ad, err := h.spec.Factory(s.callbacks(h))
	if err != nil {
		s.setStatus(h, core.Status{State: core.StateError, Message: err.Error(), Channel: h.spec.Channel})
		return nil, fmt.Errorf("%s: %w", h.spec.Platform, err)
	}
	h.ad = ad
	return ad, nil
}

func (s *Supervisor) startAdapter(ctx context.Context, h *handle, ad adapter.Adapter) (bool, error) {
	s.log.Info("supervisor: starting", "platform", h.spec.Platform, "channel", h.spec.Channel)
	ctx, cancel := context.WithCancel(ctx)
	defer context.AfterFunc(s.life, cancel)()
	defer cancel()

	connected, err := ad.Start(ctx)
	if s.closing() {
		// Shutdown began while the first attempt was pending and may have
		// stopped the adapter before it was marked running.
		ad.Stop()
		return false, ErrShuttingDown
	}
	return connected, err
}

func (s *Supervisor) closing() bool { return s.life.Err() != nil }

func (h *handle) current() adapter.Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ad
}

// Stop stops p's adapter. Stopping an idle platform is a no-op.
func (s *Supervisor) Stop(p core.Platform) (bool, error) {
	h, err := s.lookup(p)
	if err != nil {
		return false, err
	}
	if ad := h.current(); ad != nil {
		s.log.Info("supervisor: stopping", "platform", p)
		ad.Stop()
	}
	return false, nil
}

// Restart stops and starts p. Used when credentials change.
func (s *Supervisor) Restart(ctx context.Context, p core.Platform) error {
	h, err := s.lookup(p)
	if err != nil {
		return err
	}
	ad, err := s.adapterFor(h)
	if err != nil {
		return err
	}
	ad.Stop()
	_, err = s.startAdapter(ctx, h, ad)
	return err
}

func (s *Supervisor) Status(p core.Platform) (core.Status, error) {
	h, ok := s.handles[p]
	if !ok {
		return core.Status{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
	return h.snapshot(), nil
}

func (s *Supervisor) Statuses() map[core.Platform]core.Status {
	out := make(map[core.Platform]core.Status, len(s.handles))
	for p, h := range s.handles {
		out[p] = h.snapshot()
	}
	return out
}

// Snapshot is what a new display client receives after the greeting: the
// primary badge catalog when loaded, then every platform status in a fixed
// order.
func (s *Supervisor) Snapshot() []core.Envelope {
	out := make([]core.Envelope, 0, len(core.Platforms)+1)
	if cat := s.badges.Primary(); cat != nil {
		out = append(out, core.BadgesEnvelope(cat))
	}
	for _, p := range core.Platforms {
		if h, ok := s.handles[p]; ok {
			out = append(out, core.StatusEnvelope(p, h.snapshot()))
		}
	}
	return out
}

// StartConfigured loads the primary badge catalog in the background and
// starts every configured platform marked AutoStart, in parallel.
func (s *Supervisor) StartConfigured(ctx context.Context) error {
	if s.badges != nil && s.badges.PrimaryChannel() != "" {
		go func() {
			if _, err := s.badges.Get(ctx, s.badges.PrimaryChannel()); err != nil {
				s.metrics.IncBadgeFetch(false)
				s.log.Warn("supervisor: badge catalog unavailable, using defaults", "err", err)
				return
			}
			s.metrics.IncBadgeFetch(true)
		}()
	}

	var g errgroup.Group
	for _, p := range core.Platforms {
		h, ok := s.handles[p]
		if !ok || h.spec.Unconfigured != "" {
			continue
		}
		if !h.spec.AutoStart {
			s.log.Info("supervisor: autostart disabled", "platform", p)
			continue
		}
		p := p
		g.Go(func() error {
			_, err := s.Start(ctx, p)
			return err
		})
	}
	return g.Wait()
}

// WatchCredentials installs every platform's credential watcher. A change
// restarts the adapter if it is running.
func (s *Supervisor) WatchCredentials(ctx context.Context) error {
	for _, p := range core.Platforms {
		h, ok := s.handles[p]
		if !ok || h.spec.Watch == nil || h.spec.Unconfigured != "" {
			continue
		}
		p := p
		err := h.spec.Watch(ctx, func() {
			if !s.running(h) {
				return
			}
			s.log.Info("supervisor: credentials changed, restarting", "platform", p)
			if err := s.Restart(ctx, p); err != nil {
				s.log.Error("supervisor: restart failed", "platform", p, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("%s: watch credentials: %w", p, err)
		}
	}
	return nil
}

func (s *Supervisor) running(h *handle) bool {
	ad := h.current()
	return ad != nil && ad.IsRunning()
}

// Shutdown stops every adapter in parallel, including ones whose Start is
// still pending, and rejects later starts. It returns ctx's error if the
// adapters have not all stopped before ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.endLife()
	var g errgroup.Group
	for _, h := range s.handles {
		ad := h.current()
		if ad == nil {
			continue
		}
		g.Go(func() error {
			ad.Stop()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	defer s.counters.LogSummary(s.log, "supervisor: ingest counters")
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counters exposes the per-platform pipeline counters.
func (s *Supervisor) Counters() *ingesttrace.Counters { return s.counters }

func (h *handle) snapshot() core.Status {
	h.stMu.Lock()
	defer h.stMu.Unlock()
	return h.status
}

func (s *Supervisor) setStatus(h *handle, st core.Status) {
	h.stMu.Lock()
	changed := !h.status.Equal(st)
	h.status = st
	h.stMu.Unlock()
	if !changed {
		return
	}
	s.metrics.SetAdapterState(h.spec.Platform, st.State)
	s.publish(core.StatusEnvelope(h.spec.Platform, st))
}

func (s *Supervisor) publish(env core.Envelope) bool {
	if s.hub == nil {
		return false
	}
	return s.hub.Publish(env)
}
