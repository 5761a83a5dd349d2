package twitchirc

import (
	"strconv"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/multichat/internal/core"
)

func eventFromPrivmsg(msg *twitch.PrivateMessage) core.AdapterEvent {
	username := strings.TrimSpace(msg.User.DisplayName)
	if username == "" {
		username = strings.TrimSpace(msg.User.Name)
	}

	order, versions := parseBadgeTag(msg.Tags["badges"])
	raw := map[string]any{
		"channel":            msg.Channel,
		"tags":               msg.Tags,
		"badges":             versions,
		"subscriptionMonths": subscriptionMonths(msg.Tags),
		"messageId":          msg.ID,
	}
	if msg.Bits > 0 {
		raw["bits"] = msg.Bits
	}

	return core.AdapterEvent{
		Username: username,
		Message:  msg.Message,
		Badges:   order,
		Color:    msg.User.Color,
		Raw:      raw,
	}
}

// parseBadgeTag splits "moderator/1,subscriber/6" into the ordered set keys and
// a key to version map.
func parseBadgeTag(tag string) ([]string, map[string]string) {
	versions := make(map[string]string)
	if strings.TrimSpace(tag) == "" {
		return []string{}, versions
	}
	parts := strings.Split(tag, ",")
	order := make([]string, 0, len(parts))
	for _, part := range parts {
		set, version, _ := strings.Cut(strings.TrimSpace(part), "/")
		if set == "" {
			continue
		}
		if _, dup := versions[set]; !dup {
			order = append(order, set)
		}
		versions[set] = version
	}
	return order, versions
}

// subscriptionMonths prefers the exact count in badge-info, then the
// subscriber badge version, then the bare subscriber flag.
func subscriptionMonths(tags map[string]string) int {
	_, info := parseBadgeTag(tags["badge-info"])
	if n, err := strconv.Atoi(info["subscriber"]); err == nil && n > 0 {
		return n
	}
	_, badges := parseBadgeTag(tags["badges"])
	if n, err := strconv.Atoi(badges["subscriber"]); err == nil && n > 0 {
		// tier 2 and 3 badges are versioned 2000+months and 3000+months
		if n >= 2000 {
			n %= 1000
		}
		if n > 0 {
			return n
		}
	}
	if tags["subscriber"] == "1" {
		return 1
	}
	return 0
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "notice") {
		return false
	}
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth")
}

// ircCommand returns the command word of a raw IRC line.
func ircCommand(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "@") {
		_, rest, ok := strings.Cut(line, " ")
		if !ok {
			return ""
		}
		line = strings.TrimSpace(rest)
	}
	if strings.HasPrefix(line, ":") {
		_, rest, ok := strings.Cut(line, " ")
		if !ok {
			return ""
		}
		line = strings.TrimSpace(rest)
	}
	cmd, _, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd)
}
