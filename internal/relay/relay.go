// Package relay republishes every hub envelope to a Redis pub/sub channel so
// overlays on other hosts can subscribe without talking to this process.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/you/multichat/internal/hub"
)

const (
	DefaultChannel = "multichat:envelopes"
	reattachDelay  = 2 * time.Second
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Logger   *slog.Logger
}

// Relay is a hub connection backed by Redis PUBLISH.
type Relay struct {
	pub     publisher
	client  *redis.Client
	channel string
	log     *slog.Logger
	retry   time.Duration
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, opts Options) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: connect to redis %s: %w", opts.Addr, err)
	}

	r := newRelay(client, opts)
	r.client = client
	return r, nil
}

func newRelay(pub publisher, opts Options) *Relay {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{pub: pub, channel: channel, log: logger, retry: reattachDelay}
}

func (r *Relay) Channel() string { return r.channel }

// Write implements hub.Conn.
func (r *Relay) Write(ctx context.Context, frame []byte) error {
	return r.pub.Publish(ctx, r.channel, frame).Err()
}

// Close implements hub.Conn. The Redis client outlives a single attachment.
func (r *Relay) Close(reason string) error {
	r.log.Debug("relay: detached from hub", "channel", r.channel, "reason", reason)
	return nil
}

// Run keeps the relay attached to h until ctx ends, re-attaching after a
// publish failure drops it.
func (r *Relay) Run(ctx context.Context, h *hub.Hub) {
	for {
		client, err := h.Attach(ctx, "redis", r)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Info("relay: hub closed", "err", err)
			}
			return
		}
		r.log.Info("relay: attached", "channel", r.channel, "id", client.ID)

		select {
		case <-ctx.Done():
			client.Detach()
			<-client.Done()
			return
		case <-client.Done():
		}

		r.log.Warn("relay: dropped by hub, reattaching", "channel", r.channel, "delay", r.retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

// Shutdown closes the Redis client.
func (r *Relay) Shutdown() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
