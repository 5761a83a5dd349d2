// Package tiktok reads a TikTok live room through a webcast relay that pushes
// JSON events over a websocket.
package tiktok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/backoff"
	"github.com/you/multichat/internal/core"
)

const (
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

type Config struct {
	Username string
	// RelayURL is the websocket endpoint of the webcast relay.
	RelayURL string

	Retry           backoff.Policy
	Cooldown        backoff.Policy
	CooldownRetries int
	ConnectTimeout  time.Duration
	StopTimeout     time.Duration
	Logger          *slog.Logger
}

// Adapter keeps one relay socket open for a TikTok user's live room.
type Adapter struct {
	*adapter.Machine
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
}

func New(cfg Config, cb adapter.Callbacks) *Adapter {
	cfg.Username = strings.TrimPrefix(strings.TrimSpace(cfg.Username), "@")
	cfg.RelayURL = strings.TrimSpace(cfg.RelayURL)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:    cfg,
		log:    logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	a.Machine = adapter.NewMachine(adapter.Options{
		Platform:          core.TikTok,
		Channel:           cfg.Username,
		Retry:             cfg.Retry,
		Cooldown:          cfg.Cooldown,
		CooldownRetries:   cfg.CooldownRetries,
		ConnectTimeout:    cfg.ConnectTimeout,
		StopTimeout:       cfg.StopTimeout,
		ConnectingMessage: "Connecting to TikTok @" + cfg.Username,
		Validate:          a.validate,
		Logger:            logger,
	}, a.run, cb)
	a.log = a.Machine.Logger()
	return a
}

func (a *Adapter) validate() error {
	if a.cfg.Username == "" {
		return errors.New("tiktok: username is required")
	}
	if a.cfg.RelayURL == "" {
		return errors.New("tiktok: relay url is required")
	}
	return nil
}

func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("tiktok: relay url: %w", err)
	}
	q := u.Query()
	q.Set("uniqueId", a.cfg.Username)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) run(ctx context.Context, s *adapter.Session) error {
	endpoint, err := a.endpoint()
	if err != nil {
		return adapter.Terminal(core.StateError, err)
	}

	conn, resp, err := a.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("tiktok: @%s is not live: %w", a.cfg.Username, adapter.ErrNotFound)
		}
		return fmt.Errorf("tiktok: dial relay: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go a.keepalive(ctx, conn, done)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.Connected("Connected to @" + a.cfg.Username)
	a.log.Info("tiktok: connected", "user", a.cfg.Username)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return adapter.ErrStreamEnded
			}
			return fmt.Errorf("tiktok: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := a.handle(s, frame); err != nil {
			return err
		}
	}
}

// keepalive pings the relay and closes the socket when ctx ends so the reader
// unblocks.
func (a *Adapter) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				a.log.Warn("tiktok: ping failed", "err", err)
				return
			}
		}
	}
}

// handle applies one relay frame. Only stream end and relay errors are
// returned; malformed frames are logged and dropped.
func (a *Adapter) handle(s *adapter.Session, frame []byte) error {
	var env frameEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		a.log.Warn("tiktok: malformed frame dropped", "err", err, "bytes", len(frame))
		return nil
	}

	switch env.Event {
	case "chat":
		var ev chatEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			a.log.Warn("tiktok: malformed chat dropped", "err", err)
			return nil
		}
		s.Emit(ev.event(rawMap(env.Data)))
	case "gift":
		var ev giftEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			a.log.Warn("tiktok: malformed gift dropped", "err", err)
			return nil
		}
		if ev.inStreak() {
			return nil
		}
		s.Emit(ev.event(rawMap(env.Data)))
	case "roomInfo", "connected":
		var info roomInfo
		if err := json.Unmarshal(env.Data, &info); err == nil {
			if n, ok := info.viewers(); ok {
				s.SetViewers(n)
			}
		}
	case "streamEnd":
		a.log.Info("tiktok: stream ended", "user", a.cfg.Username)
		return adapter.ErrStreamEnded
	case "error":
		var relayErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Data, &relayErr)
		if relayErr.Message == "" {
			relayErr.Message = "unknown relay error"
		}
		return fmt.Errorf("tiktok: relay: %s", relayErr.Message)
	default:
		a.log.Debug("tiktok: ignoring event", "event", env.Event)
	}
	return nil
}

func rawMap(data json.RawMessage) map[string]any {
	raw := map[string]any{}
	_ = json.Unmarshal(data, &raw)
	return raw
}
