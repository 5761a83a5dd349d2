// Command multichat merges Twitch, YouTube and TikTok chat into one feed for
// browser overlays.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/you/multichat/internal/config"
	"github.com/you/multichat/internal/httpapi"
)

// Set with -ldflags "-X main.version=... -X main.revision=... -X main.builtAt=...".
var (
	version  = "dev"
	revision = ""
	builtAt  = ""
)

func buildInfo() httpapi.BuildInfo {
	info := httpapi.BuildInfo{Version: version, Revision: revision}
	if t, err := time.Parse(time.RFC3339, builtAt); err == nil {
		info.BuiltAt = t
	}
	return info
}

func main() {
	// local dev convenience; real deployments use the environment
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.New()

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			setupLogger(cfg.Log)
			return serve(cmd.Context(), cfg)
		},
	}

	root := &cobra.Command{
		Use:           "multichat",
		Short:         "Unified Twitch, YouTube and TikTok chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		// serve is the default
		RunE: serveCmd.RunE,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (default ./multichat.yaml)")
	flags.Int("port", 0, "HTTP port")
	flags.String("host", "", "HTTP bind host")
	flags.String("twitch-channel", "", "Twitch channel to read")
	flags.String("youtube-channel", "", "YouTube channel id, @handle or watch URL")
	flags.String("tiktok-username", "", "TikTok username to read")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	// viper only prefers a bound flag when it was set on the command line
	for name, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(serveCmd)
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", cfg.RedactedJSON())
			return err
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "multichat %s (rev %s, built %s)\n", version, orDash(revision), orDash(builtAt))
		},
	})
	return root
}

var flagKeys = map[string]string{
	"config":          "config",
	"port":            "server.port",
	"host":            "server.host",
	"twitch-channel":  "twitch.channel",
	"youtube-channel": "youtube.channel",
	"tiktok-username": "tiktok.username",
	"log-level":       "log.level",
	"log-format":      "log.format",
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func setupLogger(cfg config.LogConfig) {
	var lvl slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", lvl.String(), "format", cfg.Format)
}
