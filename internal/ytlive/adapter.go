package ytlive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/backoff"
	"github.com/you/multichat/internal/core"
)

var errChatOffline = errors.New("ytlive: live chat is offline")

type Config struct {
	// Target is a video id, channel id, @handle or YouTube URL.
	Target string
	// APIKey switches the adapter to the YouTube Data API.
	APIKey     string
	HTTPClient *http.Client

	PollInterval     time.Duration
	OfflineDelay     time.Duration
	RetryWhenOffline bool
	// MaxLoopErrors is how many consecutive poll failures end the attempt.
	MaxLoopErrors int
	SeenCapacity  int

	Retry           backoff.Policy
	Cooldown        backoff.Policy
	CooldownRetries int
	ConnectTimeout  time.Duration
	StopTimeout     time.Duration
	Logger          *slog.Logger

	// NewSource overrides the chat source; nil picks innertube or the Data API.
	NewSource func() Source
}

// Adapter polls a YouTube live chat and emits each message once.
type Adapter struct {
	*adapter.Machine
	cfg  Config
	log  *slog.Logger
	seen *seenSet
}

func New(cfg Config, cb adapter.Callbacks) *Adapter {
	cfg.Target = strings.TrimSpace(cfg.Target)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.OfflineDelay <= 0 {
		cfg.OfflineDelay = 15 * time.Second
	}
	if cfg.MaxLoopErrors <= 0 {
		cfg.MaxLoopErrors = 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{cfg: cfg, log: logger, seen: newSeenSet(cfg.SeenCapacity)}
	a.Machine = adapter.NewMachine(adapter.Options{
		Platform:          core.YouTube,
		Channel:           cfg.Target,
		Retry:             cfg.Retry,
		Cooldown:          cfg.Cooldown,
		CooldownRetries:   cfg.CooldownRetries,
		ConnectTimeout:    cfg.ConnectTimeout,
		StopTimeout:       cfg.StopTimeout,
		ConnectingMessage: "Connecting to YouTube " + cfg.Target,
		Validate:          a.validate,
		Logger:            logger,
	}, a.run, cb)
	a.log = a.Machine.Logger()
	return a
}

func (a *Adapter) validate() error {
	if a.cfg.Target == "" {
		return errors.New("ytlive: target is required")
	}
	return nil
}

func (a *Adapter) newSource() Source {
	if a.cfg.NewSource != nil {
		return a.cfg.NewSource()
	}
	resolver := NewResolver(a.cfg.HTTPClient)
	if a.cfg.APIKey != "" {
		return newDataAPISource(a.cfg.Target, a.cfg.APIKey, a.cfg.HTTPClient, resolver)
	}
	return newInnertubeSource(a.cfg.Target, a.cfg.HTTPClient, resolver)
}

func (a *Adapter) run(ctx context.Context, s *adapter.Session) error {
	src := a.newSource()
	defer src.Close()

	if err := src.Open(ctx); err != nil {
		return err
	}
	s.Connected("Connected to YouTube live chat")
	a.log.Info("ytlive: chat opened", "target", a.cfg.Target)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	errs := 0
	for {
		err := a.cycle(ctx, src, s)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			errs = 0
		} else if offline, oerr := src.Offline(ctx); oerr == nil && offline {
			if !a.cfg.RetryWhenOffline {
				return adapter.Terminal(core.StateStopped, errChatOffline)
			}
			s.Notice(fmt.Sprintf("Chat offline, reloading in %s", a.cfg.OfflineDelay))
			a.log.Info("ytlive: offline marker seen, reloading", "delay", a.cfg.OfflineDelay)
			if !sleepContext(ctx, a.cfg.OfflineDelay) {
				return ctx.Err()
			}
			if err := src.Reload(ctx); err != nil {
				return err
			}
			s.Notice("Connected to YouTube live chat")
			errs = 0
			continue
		} else {
			errs++
			a.log.Warn("ytlive: poll failed", "consecutive", errs, "err", err)
			if errs >= a.cfg.MaxLoopErrors {
				return fmt.Errorf("ytlive: %d consecutive poll failures: %w", errs, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycle reads the visible messages, emits the unseen ones and advances the
// source.
func (a *Adapter) cycle(ctx context.Context, src Source, s *adapter.Session) error {
	items, err := src.Visible(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if strings.TrimSpace(it.Text) == "" || !a.seen.Add(it.Key()) {
			continue
		}
		s.Emit(it.event())
	}
	return src.Advance(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
