package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/config"
	"github.com/you/multichat/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPlatformSpecs(t *testing.T) {
	v := config.New()
	v.Set("tiktok.username", "@streamer")
	t.Chdir(t.TempDir())
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Twitch.Channel = ""
	cfg.YouTube.Channel = ""

	specs := platformSpecs(cfg, testLogger())
	if len(specs) != 3 {
		t.Fatalf("want 3 specs, got %d", len(specs))
	}
	byPlatform := map[core.Platform]int{}
	for i, s := range specs {
		byPlatform[s.Platform] = i
	}

	tw := specs[byPlatform[core.Twitch]]
	if tw.Unconfigured != "No Twitch channel configured" || tw.Factory != nil {
		t.Fatalf("twitch should be unconfigured: %+v", tw)
	}
	yt := specs[byPlatform[core.YouTube]]
	if yt.Unconfigured != "No YouTube channel configured" {
		t.Fatalf("youtube should be unconfigured: %+v", yt)
	}

	tt := specs[byPlatform[core.TikTok]]
	if tt.Unconfigured != "" || tt.Channel != "streamer" || !tt.AutoStart {
		t.Fatalf("tiktok spec: %+v", tt)
	}
	ad, err := tt.Factory(adapter.Callbacks{OnMessage: func(core.AdapterEvent) {}, OnStatus: func(core.Status) {}})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if ad.Platform() != core.TikTok || ad.IsRunning() {
		t.Fatalf("unexpected adapter state")
	}
}

func TestTwitchSpecWatchesTokenFile(t *testing.T) {
	cfg := config.Config{Twitch: config.TwitchConfig{Channel: "streamer", TokenFile: "token.txt"}}
	spec := twitchSpec(cfg, testLogger())
	if spec.Watch == nil || spec.Factory == nil {
		t.Fatalf("expected watch and factory: %+v", spec)
	}

	cfg.Twitch.TokenFile = ""
	if twitchSpec(cfg, testLogger()).Watch != nil {
		t.Fatal("static token should not install a watcher")
	}
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MULTICHAT_TWITCH_TOKEN", "oauth:supersecret")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--port", "9911", "--twitch-channel", "Streamer"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if bytes.Contains(out.Bytes(), []byte("supersecret")) {
		t.Fatalf("token leaked: %s", out.String())
	}
	var doc struct {
		Server struct {
			Addr string `json:"addr"`
		} `json:"server"`
		Twitch struct {
			Channel string `json:"channel"`
		} `json:"twitch"`
	}
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if doc.Server.Addr != ":9911" {
		t.Fatalf("addr = %q", doc.Server.Addr)
	}
	if doc.Twitch.Channel != "streamer" {
		t.Fatalf("channel = %q", doc.Twitch.Channel)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), []byte("multichat dev")) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
