package core

import (
	"fmt"
	"strings"
)

// Platform identifies a chat source.
type Platform string

const (
	Twitch  Platform = "twitch"
	YouTube Platform = "youtube"
	TikTok  Platform = "tiktok"
)

// Platforms is the fixed order used for status snapshots.
var Platforms = []Platform{Twitch, YouTube, TikTok}

// ParsePlatform maps a case-insensitive name to a Platform.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case Twitch:
		return Twitch, nil
	case YouTube:
		return YouTube, nil
	case TikTok:
		return TikTok, nil
	}
	return "", fmt.Errorf("unknown platform %q", raw)
}

// Label is the human readable platform name used in log lines and status text.
func (p Platform) Label() string {
	switch p {
	case Twitch:
		return "Twitch"
	case YouTube:
		return "YouTube"
	case TikTok:
		return "TikTok"
	}
	return string(p)
}

// ChatMessage is the normalized event broadcast to display clients.
type ChatMessage struct {
	ID       string         `json:"id"`
	Ts       int64          `json:"ts"` // unix milliseconds
	Platform Platform       `json:"platform"`
	Username string         `json:"username"`
	Message  string         `json:"message"`
	Badges   []string       `json:"badges"`
	Color    *string        `json:"color"`
	Raw      map[string]any `json:"raw"`
}

// AdapterEvent is what a platform adapter hands to its OnMessage callback.
// Every field is optional; Normalize fills the gaps.
type AdapterEvent struct {
	Username string
	Message  string
	Badges   []string
	Color    string
	Raw      map[string]any
}
