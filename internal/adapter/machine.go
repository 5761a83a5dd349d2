package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/you/multichat/internal/backoff"
	"github.com/you/multichat/internal/core"
)

// RunFunc runs one connection attempt until it fails or ctx is cancelled.
// Returning nil or ErrStreamEnded means the stream ended normally.
type RunFunc func(ctx context.Context, s *Session) error

type Options struct {
	Platform core.Platform
	Channel  string
	// Retry governs transport errors.
	Retry backoff.Policy
	// Cooldown governs normal stream ends and ErrNotFound.
	Cooldown backoff.Policy
	// CooldownRetries is how many cooldown retries happen without a
	// successful connection before the adapter stops for good. Zero stops on
	// the first not-found or end.
	CooldownRetries int
	// ConnectTimeout bounds how long Start waits for the first attempt.
	ConnectTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the run loop to exit.
	StopTimeout       time.Duration
	ConnectingMessage string
	// Validate runs before every Start. An error rejects the Start.
	Validate func() error
	Logger   *slog.Logger
	Rand     func() float64
}

// Machine is the shared lifecycle state machine. Platform adapters embed it
// and supply a RunFunc.
type Machine struct {
	opts Options
	run  RunFunc
	cb   Callbacks
	log  *slog.Logger

	// notifyMu orders status callbacks; it is always taken before mu.
	notifyMu sync.Mutex

	mu     sync.Mutex
	status core.Status
	gen    uint64
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMachine(opts Options, run RunFunc, cb Callbacks) *Machine {
	if opts.Retry == (backoff.Policy{}) {
		opts.Retry = backoff.Default()
	}
	if opts.Cooldown == (backoff.Policy{}) {
		opts.Cooldown = backoff.Policy{Base: 30 * time.Second, Factor: 2, Jitter: 0.3, Max: 5 * time.Minute}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.ConnectingMessage == "" {
		opts.ConnectingMessage = "Connecting to " + opts.Platform.Label()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		opts:   opts,
		run:    run,
		cb:     cb,
		log:    logger.With("platform", string(opts.Platform)),
		status: core.Status{State: core.StateStopped, Channel: opts.Channel},
	}
}

func (m *Machine) Platform() core.Platform { return m.opts.Platform }

// Logger is the machine's logger, already tagged with the platform. Adapters
// log through it so every line carries the tag exactly once.
func (m *Machine) Logger() *slog.Logger { return m.log }

func (m *Machine) Status() core.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.Running = m.active
	return st
}

func (m *Machine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Machine) Start(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.active {
		connected := m.status.State == core.StateConnected
		m.mu.Unlock()
		return connected, nil
	}
	if m.opts.Validate != nil {
		if err := m.opts.Validate(); err != nil {
			gen := m.gen
			m.mu.Unlock()
			m.transition(gen, core.StateError, err.Error())
			return false, err
		}
	}
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done, m.active = cancel, done, true
	m.mu.Unlock()

	readyCh := make(chan struct{})
	var once sync.Once
	ready := func() { once.Do(func() { close(readyCh) }) }

	m.transition(gen, core.StateConnecting, m.opts.ConnectingMessage)
	go m.loop(runCtx, cancel, gen, done, ready)

	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-readyCh:
	case <-timer.C:
		m.log.Warn("adapter: start did not settle before timeout", "timeout", m.opts.ConnectTimeout)
	case <-ctx.Done():
	}
	return m.Status().State == core.StateConnected, nil
}

func (m *Machine) Stop() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	cancel, done := m.cancel, m.done
	m.cancel, m.done, m.active = nil, nil, false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		timer := time.NewTimer(m.opts.StopTimeout)
		select {
		case <-done:
		case <-timer.C:
			m.log.Warn("adapter: run loop did not exit before stop timeout", "timeout", m.opts.StopTimeout)
		}
		timer.Stop()
	}
	m.transition(gen, core.StateStopped, "Stopped")
}

func (m *Machine) loop(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}, ready func()) {
	defer close(done)
	defer cancel()
	defer ready()

	failures, cool := 0, 0
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.transition(gen, core.StateConnecting, m.opts.ConnectingMessage)
		}
		sess := &Session{m: m, gen: gen, ready: ready}
		err := m.runSafe(ctx, sess)
		ready()
		if ctx.Err() != nil {
			return
		}
		if sess.connected {
			failures, cool = 0, 0
		}

		var (
			delay time.Duration
			term  *terminalError
		)
		switch {
		case errors.As(err, &term):
			m.log.Info("adapter: terminal condition", "state", term.state, "err", term.err)
			m.finish(gen, term.state, term.Error())
			return
		case errors.Is(err, ErrNotFound) || err == nil || errors.Is(err, ErrStreamEnded):
			cool++
			reason := "Stream ended"
			if errors.Is(err, ErrNotFound) {
				reason = notFoundReason(m.opts.Platform, err)
			}
			if cool > m.opts.CooldownRetries {
				m.finish(gen, core.StateStopped, reason)
				return
			}
			m.transition(gen, core.StateDisconnected, reason)
			delay = m.opts.Cooldown.Jittered(cool-1, m.opts.Rand)
		default:
			failures++
			if m.opts.Retry.Exhausted(failures) {
				m.log.Error("adapter: giving up", "failures", failures, "err", err)
				m.finish(gen, core.StateError, fmt.Sprintf("giving up after %d consecutive failures: %v", failures, err))
				return
			}
			m.log.Warn("adapter: connection failed", "failures", failures, "err", err)
			m.transition(gen, core.StateError, err.Error())
			delay = m.opts.Retry.Jittered(failures-1, m.opts.Rand)
		}

		m.transition(gen, core.StateRetrying, fmt.Sprintf("Retrying in %s", delay.Round(time.Millisecond)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// notFoundReason turns "tiktok: @x is not live: not found" into
// "TikTok: @x is not live" for the status line.
func notFoundReason(p core.Platform, err error) string {
	msg := strings.TrimSuffix(err.Error(), ": "+ErrNotFound.Error())
	if head, rest, ok := strings.Cut(msg, ": "); ok && !strings.Contains(head, " ") {
		msg = rest
	}
	if msg == "" || msg == ErrNotFound.Error() {
		msg = "not live"
	}
	return p.Label() + ": " + msg
}

func (m *Machine) runSafe(ctx context.Context, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("adapter: run panicked", "panic", r)
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return m.run(ctx, s)
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Machine) transition(gen uint64, state core.State, msg string) bool {
	return m.update(gen, func(st *core.Status) {
		st.State = state
		st.Message = msg
	})
}

// finish ends the run loop of gen with a final state.
func (m *Machine) finish(gen uint64, state core.State, msg string) {
	m.update(gen, func(st *core.Status) {
		m.active = false
		m.cancel, m.done = nil, nil
		st.State = state
		st.Message = msg
	})
}

// update applies fn to the status if gen is still current and notifies on
// change. fn runs with mu held.
func (m *Machine) update(gen uint64, fn func(*core.Status)) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	next := m.status
	fn(&next)
	next.Running = m.active
	changed := !next.Equal(m.status)
	m.status = next
	m.mu.Unlock()

	if changed {
		m.notify(next)
	}
	return true
}

func (m *Machine) notify(st core.Status) {
	if m.cb.OnStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("adapter: status callback panicked", "panic", r)
		}
	}()
	m.cb.OnStatus(st)
}

func (m *Machine) deliver(ev core.AdapterEvent) {
	if m.cb.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("adapter: message callback panicked", "panic", r)
		}
	}()
	m.cb.OnMessage(ev)
}
