package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/backoff"
	"github.com/you/multichat/internal/core"
)

const (
	ircHost        = "irc.chat.twitch.tv"
	readDeadline   = 2 * time.Minute
	keepaliveEvery = 4 * time.Minute
	recvLogEvery   = 10 * time.Second
)

type Config struct {
	Channel string
	// Nick is only used with a token; anonymous sessions log in as justinfan.
	Nick   string
	Tokens *TokenSource
	UseTLS bool
	// Addr overrides the server address; tests point it at a local listener.
	Addr string

	Retry           backoff.Policy
	Cooldown        backoff.Policy
	CooldownRetries int
	ConnectTimeout  time.Duration
	StopTimeout     time.Duration
	VerboseDrops    bool
	Logger          *slog.Logger
}

var (
	errAuthFailed = errors.New("twitchirc: login authentication failed")
	errReconnect  = errors.New("twitchirc: server requested reconnect")
)

// Adapter reads one Twitch channel's chat over IRC.
type Adapter struct {
	*adapter.Machine
	cfg Config
	log *slog.Logger
}

func New(cfg Config, cb adapter.Callbacks) *Adapter {
	cfg.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#"))
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{cfg: cfg, log: logger}
	a.Machine = adapter.NewMachine(adapter.Options{
		Platform:          core.Twitch,
		Channel:           cfg.Channel,
		Retry:             cfg.Retry,
		Cooldown:          cfg.Cooldown,
		CooldownRetries:   cfg.CooldownRetries,
		ConnectTimeout:    cfg.ConnectTimeout,
		StopTimeout:       cfg.StopTimeout,
		ConnectingMessage: "Connecting to Twitch #" + cfg.Channel,
		Validate:          a.validate,
		Logger:            logger,
	}, a.run, cb)
	a.log = a.Machine.Logger()
	return a
}

func (a *Adapter) validate() error {
	if a.cfg.Channel == "" {
		return errors.New("twitchirc: channel is required")
	}
	return nil
}

func (a *Adapter) credentials() (nick, pass string) {
	token := a.cfg.Tokens.Current()
	if token == "" {
		return fmt.Sprintf("justinfan%d", 10000+rand.IntN(80000)), "SCHMOOPIIE"
	}
	nick = strings.ToLower(strings.TrimSpace(a.cfg.Nick))
	if nick == "" {
		nick = a.cfg.Channel
	}
	return nick, token
}

func (a *Adapter) run(ctx context.Context, s *adapter.Session) error {
	addr := ircHost + ":6667"
	if a.cfg.UseTLS {
		addr = ircHost + ":6697"
	}
	if strings.TrimSpace(a.cfg.Addr) != "" {
		addr = strings.TrimSpace(a.cfg.Addr)
	}

	a.log.Info("twitchirc: connecting", "addr", addr, "tls", a.cfg.UseTLS, "channel", a.cfg.Channel)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if a.cfg.UseTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: ircHost}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// unblock the reader when the session is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	send := func(line string) error {
		if _, err := rw.WriteString(line + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	nick, pass := a.credentials()
	for _, line := range []string{
		"PASS " + pass,
		"NICK " + nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #" + a.cfg.Channel,
	} {
		if err := send(line); err != nil {
			return fmt.Errorf("send %s: %w", strings.Fields(line)[0], err)
		}
	}

	drops := newDropLogger(time.Now(), a.cfg.VerboseDrops, 0)
	defer drops.flush(time.Now())

	var (
		total    int
		window   int
		nextTick = time.Now().Add(recvLogEvery)
		nextPing = time.Now().Add(keepaliveEvery)
	)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
		line, err := rw.ReadString('\n')
		now := time.Now()
		if !now.Before(nextTick) {
			if window > 0 {
				a.log.Info("twitchirc: recv", "window", window, "total", total)
			}
			window = 0
			nextTick = now.Add(recvLogEvery)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if !now.Before(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(keepaliveEvery)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		nextPing = now.Add(keepaliveEvery)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(line, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			continue
		}
		if authFailure(line) {
			a.log.Error("twitchirc: authentication failed per server NOTICE")
			return adapter.Terminal(core.StateError, errAuthFailed)
		}

		switch msg := twitch.ParseMessage(line).(type) {
		case *twitch.PrivateMessage:
			if !strings.EqualFold(msg.Channel, a.cfg.Channel) {
				drops.note(now, "other_channel", line)
				continue
			}
			total++
			window++
			s.Emit(eventFromPrivmsg(msg))
		case *twitch.ReconnectMessage:
			return errReconnect
		default:
			switch ircCommand(line) {
			case "001":
				s.Connected("Connected to #" + a.cfg.Channel)
				a.log.Info("twitchirc: joined", "channel", a.cfg.Channel, "as", nick)
			case "JOIN", "ROOMSTATE", "353", "366", "CAP":
			default:
				drops.note(now, "not_privmsg", line)
			}
		}
	}
}
