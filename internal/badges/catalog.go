// Package badges resolves Twitch chat badge artwork.
package badges

import (
	"sort"
	"strconv"
)

const (
	DefaultSubscriberURL = "https://static-cdn.jtvnw.net/badges/v1/5d9f2208-5dd8-11e7-8513-2ff4adfae661/1"
	DefaultBitsURL       = "https://static-cdn.jtvnw.net/badges/v1/73b5c3fb-24f9-4a82-a852-2f475b59411c/1"
)

var defaultURLs = map[string]string{
	"subscriber": DefaultSubscriberURL,
	"bits":       DefaultBitsURL,
}

// Image holds the three artwork sizes of one badge version.
type Image struct {
	URL1x string `json:"image_url_1x"`
	URL2x string `json:"image_url_2x"`
	URL4x string `json:"image_url_4x"`
}

type Set struct {
	Versions map[string]Image `json:"versions"`
}

// Catalog is the badge_sets document for one channel. It is not modified
// after a fetch returns it.
type Catalog struct {
	Channel   string         `json:"-"`
	BadgeSets map[string]Set `json:"badge_sets"`
}

// Resolve returns the 1x image of the largest numeric version of set that is
// at most tier. When every version is above tier the lowest one is used, and
// when the set is unknown the built-in default for the set, if any.
func (c *Catalog) Resolve(set string, tier int) string {
	return c.resolve(set, tier, nil)
}

// SubscriberBadge resolves the subscriber badge for a tenure in months.
// Tier 2 and 3 variants (2000+, 3000+) are not candidates.
func (c *Catalog) SubscriberBadge(months int) string {
	return c.resolve("subscriber", months, func(v int) bool { return v < 1000 })
}

// BitsBadge resolves the cheer badge for a bits amount.
func (c *Catalog) BitsBadge(bits int) string {
	return c.resolve("bits", bits, nil)
}

// Sets reports how many badge sets the catalog holds.
func (c *Catalog) Sets() int {
	if c == nil {
		return 0
	}
	return len(c.BadgeSets)
}

func (c *Catalog) resolve(set string, tier int, keep func(int) bool) string {
	if c != nil {
		if s, ok := c.BadgeSets[set]; ok {
			type entry struct {
				tier int
				url  string
			}
			var entries []entry
			for key, img := range s.Versions {
				n, err := strconv.Atoi(key)
				if err != nil || img.URL1x == "" {
					continue
				}
				if keep != nil && !keep(n) {
					continue
				}
				entries = append(entries, entry{n, img.URL1x})
			}
			if len(entries) > 0 {
				sort.Slice(entries, func(i, j int) bool { return entries[i].tier < entries[j].tier })
				best := entries[0].url
				for _, e := range entries {
					if e.tier > tier {
						break
					}
					best = e.url
				}
				return best
			}
		}
	}
	return defaultURLs[set]
}

// merge layers override on top of base; a set present in override replaces
// the base set entirely.
func merge(base, override map[string]Set) map[string]Set {
	out := make(map[string]Set, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
