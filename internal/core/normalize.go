package core

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock hands out unix millisecond timestamps that never go backwards, even
// when the wall clock does. The zero value is not usable; use NewClock.
type Clock struct {
	now func() time.Time

	mu   sync.Mutex
	last int64
}

// NewClock returns a clock reading now, or time.Now when now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the current time, never smaller than a previously returned
// value.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts < c.last {
		ts = c.last
	}
	c.last = ts
	return ts
}

// Normalize maps an adapter event to a ChatMessage stamped by c. Missing
// fields degrade to defaults; it never fails.
func (c *Clock) Normalize(p Platform, ev AdapterEvent) ChatMessage {
	username := strings.TrimSpace(ev.Username)
	if username == "" {
		username = "unknown"
	}

	badges := make([]string, 0, len(ev.Badges))
	for _, b := range ev.Badges {
		if b = strings.TrimSpace(b); b != "" {
			badges = append(badges, b)
		}
	}

	var color *string
	if c := strings.TrimSpace(ev.Color); c != "" {
		color = &c
	}

	raw := ev.Raw
	if raw == nil {
		raw = map[string]any{}
	}

	return ChatMessage{
		ID:       uuid.NewString(),
		Ts:       c.Next(),
		Platform: p,
		Username: username,
		Message:  ev.Message,
		Badges:   badges,
		Color:    color,
		Raw:      raw,
	}
}
