package supervisor

import (
	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/ingesttrace"
)

func (s *Supervisor) callbacks(h *handle) adapter.Callbacks {
	p := h.spec.Platform
	return adapter.Callbacks{
		OnMessage: func(ev core.AdapterEvent) { s.ingest(p, ev) },
		OnStatus:  func(st core.Status) { s.setStatus(h, st) },
	}
}

// ingest runs one adapter event through normalize, enrich, record and
// publish. Runs on the adapter's goroutine.
func (s *Supervisor) ingest(p core.Platform, ev core.AdapterEvent) {
	key := string(p)
	s.counters.Inc(key, ingesttrace.StageSeenFromProvider)

	msg := s.clock.Normalize(p, ev)
	s.counters.Inc(key, ingesttrace.StageNormalizedOK)
	s.enrich(&msg)

	if s.window != nil {
		if err := s.window.Write(msg); err != nil {
			s.metrics.IncWindowWriteErrors()
			s.log.Warn("supervisor: window write failed", "platform", p, "id", msg.ID, "err", err)
		} else {
			s.counters.Inc(key, ingesttrace.StageRecorded)
		}
	}

	if s.publish(core.ChatEnvelope(msg)) {
		s.counters.Inc(key, ingesttrace.StagePublished)
	} else {
		s.counters.Inc(key, ingesttrace.StageDropped("hub_full"))
	}
	s.metrics.IncChatMessage(p)
}

// enrich resolves Twitch subscriber and bits badge images from the primary
// catalog when it is loaded.
func (s *Supervisor) enrich(msg *core.ChatMessage) {
	if msg.Platform != core.Twitch {
		return
	}
	cat := s.badges.Primary()
	if cat == nil {
		return
	}
	if months, ok := msg.Raw["subscriptionMonths"].(int); ok && months > 0 {
		msg.Raw["subscriberBadgeUrl"] = cat.SubscriberBadge(months)
	}
	if bits, ok := msg.Raw["bits"].(int); ok && bits > 0 {
		msg.Raw["bitsBadgeUrl"] = cat.BitsBadge(bits)
	}
}
