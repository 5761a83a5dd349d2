package window

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/multichat/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order is the chronological order used when listing messages.
type Order string

const (
	// OrderDesc returns messages newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns messages oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for window lookups.
type Filters struct {
	Platforms []core.Platform
	Usernames []string
	// Query is a case-insensitive substring of the message text.
	Query string
	Since *time.Time
	Limit int
	Order Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		parsed, err := parseSince(raw)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	f.Query = strings.ToLower(strings.TrimSpace(values.Get("q")))

	seenPlatform := make(map[core.Platform]struct{})
	allowAll := false
	for _, part := range splitValues(values["platform"]) {
		p, ok := normalizePlatform(part)
		if !ok {
			return Filters{}, errors.New("invalid platform filter")
		}
		if p == "" {
			allowAll = true
			continue
		}
		if _, dup := seenPlatform[p]; !dup {
			f.Platforms = append(f.Platforms, p)
			seenPlatform[p] = struct{}{}
		}
	}
	if allowAll {
		f.Platforms = nil
	}

	seenUser := make(map[string]struct{})
	for _, part := range splitValues(values["username"]) {
		lowered := strings.ToLower(part)
		if _, dup := seenUser[lowered]; !dup {
			f.Usernames = append(f.Usernames, lowered)
			seenUser[lowered] = struct{}{}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// normalizePlatform maps aliases to a platform. "all" and "*" yield "".
func normalizePlatform(p string) (core.Platform, bool) {
	switch strings.ToLower(p) {
	case "twitch", "tw", "t":
		return core.Twitch, true
	case "youtube", "yt", "y":
		return core.YouTube, true
	case "tiktok", "tt", "tk":
		return core.TikTok, true
	case "all", "*":
		return "", true
	default:
		return "", false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// values this large are unix milliseconds, matching the ts field
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}
