package ytlive

import (
	"context"
	"regexp"
	"strings"

	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/ingesttrace"
)

const userAgent = "Mozilla/5.0 (compatible; multichat/1.0)"

// offlineRe matches the text YouTube shows in place of a running chat.
var offlineRe = regexp.MustCompile(`(?i)chat is disabled|live chat is unavailable|waiting for|premieres|ended`)

// Item is one chat entry currently visible in a Source.
type Item struct {
	ID     string
	Author string
	Text   string
	// Time is whatever timestamp the source shows; it only feeds the derived
	// id when ID is empty.
	Time   string
	Badges []string
	Raw    map[string]any
}

// Key is the native id, or a content hash when the source has none.
func (it Item) Key() string {
	if it.ID != "" {
		return it.ID
	}
	return ingesttrace.ContentID(it.Author, it.Text, it.Time)
}

func (it Item) event() core.AdapterEvent {
	raw := it.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	raw["messageId"] = it.Key()
	if it.Time != "" {
		raw["timestamp"] = it.Time
	}
	return core.AdapterEvent{
		Username: it.Author,
		Message:  it.Text,
		Badges:   it.Badges,
		Raw:      raw,
	}
}

// Source is a live chat view the scrape loop polls. Visible may return items
// already returned before; the loop deduplicates.
type Source interface {
	// Open loads the chat. adapter.ErrNotFound means the stream is not live.
	Open(ctx context.Context) error
	Visible(ctx context.Context) ([]Item, error)
	// Advance moves the view forward so more content materializes.
	Advance(ctx context.Context) error
	// Offline reports whether the source shows an offline marker.
	Offline(ctx context.Context) (bool, error)
	Reload(ctx context.Context) error
	Close() error
}

func offlineText(text string) bool {
	return offlineRe.MatchString(strings.TrimSpace(text))
}
