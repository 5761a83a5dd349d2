package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/badges"
	"github.com/you/multichat/internal/config"
	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/httpapi"
	"github.com/you/multichat/internal/hub"
	"github.com/you/multichat/internal/relay"
	"github.com/you/multichat/internal/supervisor"
	"github.com/you/multichat/internal/telemetry"
	"github.com/you/multichat/internal/tiktok"
	"github.com/you/multichat/internal/twitchirc"
	"github.com/you/multichat/internal/window"
	"github.com/you/multichat/internal/ytlive"
)

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	logger.Info("starting multichat", "version", version, "addr", cfg.Addr(), "config", cfg.File)

	metrics := telemetry.New()

	store, err := window.Open(ctx, window.Options{Path: cfg.Window.Path, Capacity: cfg.Window.Capacity, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	recorder := window.NewBufferedWriter(store, window.BufferedOptions{
		BatchSize:     cfg.Window.BatchSize,
		FlushInterval: cfg.Window.FlushInterval,
	})
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("window flush on shutdown failed", "err", err)
		}
	}()

	var cache *badges.Cache
	if sum := cfg.Summary(); sum.Badges {
		cache = badges.NewCache(&badges.HelixFetcher{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			UserToken:    cfg.Twitch.Token,
		}, cfg.Twitch.Channel, logger)
	} else {
		logger.Info("badges disabled: twitch client id and secret or token not set")
	}

	h := hub.New(hub.Options{
		QueueSize:   cfg.Server.HubQueue,
		ClientQueue: cfg.Server.ClientQueue,
		Origins:     cfg.OriginPatterns(),
		Logger:      logger,
		Metrics:     metrics,
	}, nil)

	sup := supervisor.New(supervisor.Options{
		Platforms: platformSpecs(cfg, logger),
		Hub:       h,
		Window:    recorder,
		Badges:    cache,
		Metrics:   metrics,
		Logger:    logger,
	})
	h.SetSnapshotter(sup)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go func() {
		if err := h.Run(hubCtx); err != nil {
			logger.Error("hub stopped", "err", err)
		}
	}()

	var rel *relay.Relay
	if cfg.Relay.Addr != "" {
		rel, err = relay.Dial(ctx, relay.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
			Channel:  cfg.Relay.Channel,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := rel.Shutdown(); err != nil {
				logger.Warn("relay close failed", "err", err)
			}
		}()
		go rel.Run(hubCtx, h)
	}

	var badgeSource httpapi.BadgeSource
	if cache != nil {
		badgeSource = cache
	}
	srv := httpapi.New(sup, h, badgeSource, store, httpapi.Options{
		Addr:        cfg.Addr(),
		Build:       buildInfo(),
		CORSOrigins: cfg.CORSAllowList(),
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		Summary:     cfg.Summary(),
		Logger:      logger,
		Metrics:     metrics,
	})

	if err := sup.WatchCredentials(ctx); err != nil {
		logger.Warn("credential watch disabled", "err", err)
	}
	if tc := cfg.Twitch; tc.RefreshToken != "" {
		refresher := twitchirc.NewRefresher(tc.ClientID, tc.ClientSecret, tc.RefreshToken, tc.TokenFile)
		refresher.Logger = logger
		go refresher.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		if err := sup.StartConfigured(gctx); err != nil && !errors.Is(err, supervisor.ErrShuttingDown) {
			logger.Error("autostart failed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := sup.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		stopHub()
		select {
		case <-h.Done():
		case <-shutdownCtx.Done():
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("multichat stopped")
	return err
}

// platformSpecs builds one supervisor spec per platform. Platforms without a
// channel keep a spec so their status still shows on the dashboard.
func platformSpecs(cfg config.Config, logger *slog.Logger) []supervisor.Spec {
	return []supervisor.Spec{
		twitchSpec(cfg, logger),
		youtubeSpec(cfg, logger),
		tiktokSpec(cfg, logger),
	}
}

func twitchSpec(cfg config.Config, logger *slog.Logger) supervisor.Spec {
	tc := cfg.Twitch
	spec := supervisor.Spec{Platform: core.Twitch, Channel: tc.Channel, AutoStart: tc.AutoStart}
	if tc.Channel == "" {
		spec.Unconfigured = "No Twitch channel configured"
		return spec
	}
	tokens := twitchirc.NewTokenSource(tc.Token, tc.TokenFile)
	if tc.TokenFile != "" {
		spec.Watch = tokens.Watch
	}
	spec.Factory = func(cb adapter.Callbacks) (adapter.Adapter, error) {
		return twitchirc.New(twitchirc.Config{
			Channel:         tc.Channel,
			Nick:            tc.Nick,
			Tokens:          tokens,
			UseTLS:          tc.TLS,
			Retry:           tc.Retry.Policy(),
			Cooldown:        tc.Retry.CooldownPolicy(),
			CooldownRetries: tc.Retry.CooldownRetries,
			ConnectTimeout:  tc.Retry.ConnectTimeout,
			StopTimeout:     tc.Retry.StopTimeout,
			VerboseDrops:    tc.VerboseDrops,
			Logger:          logger,
		}, cb), nil
	}
	return spec
}

func youtubeSpec(cfg config.Config, logger *slog.Logger) supervisor.Spec {
	yc := cfg.YouTube
	spec := supervisor.Spec{Platform: core.YouTube, Channel: yc.Channel, AutoStart: yc.AutoStart}
	if yc.Channel == "" {
		spec.Unconfigured = "No YouTube channel configured"
		return spec
	}
	apiKey := ""
	if yc.Source == "api" {
		apiKey = yc.APIKey
	}
	spec.Factory = func(cb adapter.Callbacks) (adapter.Adapter, error) {
		return ytlive.New(ytlive.Config{
			Target:           yc.Channel,
			APIKey:           apiKey,
			PollInterval:     yc.PollInterval,
			OfflineDelay:     yc.OfflineDelay,
			RetryWhenOffline: yc.RetryWhenOffline,
			MaxLoopErrors:    yc.MaxLoopErrors,
			Retry:            yc.Retry.Policy(),
			Cooldown:         yc.Retry.CooldownPolicy(),
			CooldownRetries:  yc.Retry.CooldownRetries,
			ConnectTimeout:   yc.Retry.ConnectTimeout,
			StopTimeout:      yc.Retry.StopTimeout,
			Logger:           logger,
		}, cb), nil
	}
	return spec
}

func tiktokSpec(cfg config.Config, logger *slog.Logger) supervisor.Spec {
	kc := cfg.TikTok
	spec := supervisor.Spec{Platform: core.TikTok, Channel: kc.Username, AutoStart: kc.AutoStart}
	if kc.Username == "" {
		spec.Unconfigured = "No TikTok username configured"
		return spec
	}
	spec.Factory = func(cb adapter.Callbacks) (adapter.Adapter, error) {
		return tiktok.New(tiktok.Config{
			Username:        kc.Username,
			RelayURL:        kc.RelayURL,
			Retry:           kc.Retry.Policy(),
			Cooldown:        kc.Retry.CooldownPolicy(),
			CooldownRetries: kc.Retry.CooldownRetries,
			ConnectTimeout:  kc.Retry.ConnectTimeout,
			StopTimeout:     kc.Retry.StopTimeout,
			Logger:          logger,
		}, cb), nil
	}
	return spec
}
