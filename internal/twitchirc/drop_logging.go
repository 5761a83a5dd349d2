package twitchirc

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

type dropBucket struct {
	total   int
	samples map[string]string
	counts  map[string]int
}

// dropLogger aggregates IRC lines the adapter ignores and logs one summary per
// reason every interval instead of one line per drop.
type dropLogger struct {
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropBucket
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropBucket),
	}
}

func (d *dropLogger) note(now time.Time, reason, line string) {
	if d == nil {
		return
	}
	cmd := ircCommand(line)
	if cmd == "" {
		cmd = "UNKNOWN"
	}
	sample := redactSample(line)
	if d.verbose {
		slog.Debug("twitchirc: dropped line", "reason", reason, "command", cmd, "sample", sample)
	}

	b := d.reasons[reason]
	if b == nil {
		b = &dropBucket{samples: make(map[string]string), counts: make(map[string]int)}
		d.reasons[reason] = b
	}
	b.total++
	b.counts[cmd]++
	if _, ok := b.samples[cmd]; !ok {
		b.samples[cmd] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	reasons := make([]string, 0, len(d.reasons))
	for r := range d.reasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		b := d.reasons[r]
		slog.Info("twitchirc: dropped_"+r, "total", b.total, "commands", formatCounts(b.counts))
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ",")
}

func redactSample(line string) string {
	line = strings.TrimSpace(line)
	// tags carry user ids and message ids; drop them from samples
	if strings.HasPrefix(line, "@") {
		if _, rest, ok := strings.Cut(line, " "); ok {
			line = rest
		}
	}
	line = oauthTokenRe.ReplaceAllString(line, "oauth:[REDACTED]")
	line = longTokenRe.ReplaceAllString(line, "[REDACTED]")
	if len(line) > dropSampleMaxLen {
		line = line[:dropSampleMaxLen] + "…"
	}
	return line
}
