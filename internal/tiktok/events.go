package tiktok

import (
	"encoding/json"
	"fmt"

	"github.com/you/multichat/internal/core"
)

type frameEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type userInfo struct {
	Nickname string `json:"nickname"`
	UniqueID string `json:"uniqueId"`
}

type chatEvent struct {
	User     *userInfo `json:"user"`
	Nickname string    `json:"nickname"`
	UniqueID string    `json:"uniqueId"`
	Comment  string    `json:"comment"`
}

func (c chatEvent) username() string {
	var nick, id string
	if c.User != nil {
		nick, id = c.User.Nickname, c.User.UniqueID
	}
	return firstNonEmpty(nick, id, c.Nickname, c.UniqueID, "unknown")
}

func (c chatEvent) event(raw map[string]any) core.AdapterEvent {
	return core.AdapterEvent{
		Username: c.username(),
		Message:  c.Comment,
		Badges:   []string{},
		Raw:      raw,
	}
}

type giftEvent struct {
	User        *userInfo `json:"user"`
	UniqueID    string    `json:"uniqueId"`
	GiftType    int       `json:"giftType"`
	RepeatEnd   bool      `json:"repeatEnd"`
	RepeatCount int       `json:"repeatCount"`
	GiftName    string    `json:"giftName"`
	GiftInfo    *struct {
		Name string `json:"name"`
	} `json:"giftInfo"`
}

// inStreak reports a streakable gift whose combo is still running. Only the
// final tick of a streak is emitted.
func (g giftEvent) inStreak() bool {
	return g.GiftType == 1 && !g.RepeatEnd
}

func (g giftEvent) event(raw map[string]any) core.AdapterEvent {
	var nick, id, info string
	if g.User != nil {
		nick, id = g.User.Nickname, g.User.UniqueID
	}
	if g.GiftInfo != nil {
		info = g.GiftInfo.Name
	}
	user := firstNonEmpty(nick, id, g.UniqueID, "Someone")
	name := firstNonEmpty(info, g.GiftName, "a gift")
	count := g.RepeatCount
	if count <= 0 {
		count = 1
	}
	return core.AdapterEvent{
		Username: user,
		Message:  fmt.Sprintf("%s sent %s x%d", user, name, count),
		Badges:   []string{"gift"},
		Raw:      raw,
	}
}

type roomInfo struct {
	ViewerCount *int `json:"viewerCount"`
	RoomInfo    *struct {
		ViewerCount *int `json:"viewerCount"`
	} `json:"roomInfo"`
}

func (r roomInfo) viewers() (int, bool) {
	if r.ViewerCount != nil {
		return *r.ViewerCount, true
	}
	if r.RoomInfo != nil && r.RoomInfo.ViewerCount != nil {
		return *r.RoomInfo.ViewerCount, true
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
