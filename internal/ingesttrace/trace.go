package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Stage represents a pipeline stage used for tracking message processing.
type Stage string

const (
	StageSeenFromProvider Stage = "seen_from_provider"
	StageNormalizedOK     Stage = "normalized_ok"
	StageRecorded         Stage = "recorded"
	StagePublished        Stage = "published"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped message with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// ContentID derives a stable identifier for a message that has no native id.
func ContentID(parts ...string) string {
	digest := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(digest[:])
}

// Counters tracks per-platform stage counts for the ingest pipeline.
type Counters struct {
	mu     sync.Mutex
	counts map[string]map[Stage]int64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[string]map[Stage]int64)}
}

// Inc increments the counter for platform and stage and returns the new value.
func (c *Counters) Inc(platform string, stage Stage) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byStage := c.counts[platform]
	if byStage == nil {
		byStage = make(map[Stage]int64)
		c.counts[platform] = byStage
	}
	byStage[stage]++
	return byStage[stage]
}

// Snapshot copies the current counters.
func (c *Counters) Snapshot() map[string]map[Stage]int64 {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]map[Stage]int64, len(c.counts))
	for platform, byStage := range c.counts {
		cp := make(map[Stage]int64, len(byStage))
		for stage, n := range byStage {
			cp[stage] = n
		}
		out[platform] = cp
	}
	return out
}

// LogSummary logs one line per platform with its counters.
func (c *Counters) LogSummary(logger *slog.Logger, msg string) {
	if c == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	snap := c.Snapshot()
	platforms := make([]string, 0, len(snap))
	for p := range snap {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		logger.Info(msg, "platform", p, "counters", snap[p])
	}
}
