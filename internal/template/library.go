// Package template provides the in-memory prompt template catalog and the
// deterministic, tier-aware selection used to plan batches.
package template

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// Template is one immutable catalog entry. Text may reference
// {trigger_token} and {niche}, filled in at render time.
type Template struct {
	ID    string                  `json:"id"`
	Niche string                  `json:"niche"`
	Tier  models.Tier             `json:"tier"`
	Text  string                  `json:"text"`
	Knobs models.GenerationConfig `json:"knobs,omitempty"`
}

// Render substitutes the avatar's trigger token and niche into the text.
func (t Template) Render(avatar *models.Avatar) string {
	r := strings.NewReplacer(
		"{trigger_token}", avatar.TriggerToken,
		"{niche}", avatar.Niche,
	)
	return r.Replace(t.Text)
}

// Filter narrows catalog listings.
type Filter struct {
	Niche string
	Tier  *models.Tier
}

// CacheStats exposes selection cache effectiveness.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// selectionCacheSize bounds the per-process selection cache.
const selectionCacheSize = 128

// Entries that differ only in seed must not collapse, so the seed is part
// of the key.
type selectKey struct {
	avatarID string
	niche    string
	mix      string
	k        int
	seed     int64
}

// Library is the read-only shared template catalog. Safe for concurrent use;
// the selection cache is internally synchronized.
type Library struct {
	byID   map[string]Template
	byTier map[models.Tier][]Template
	all    []Template

	cache  *lru.Cache[selectKey, []Template]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLibrary builds a library over the given templates.
// Use Builtin() for the stock catalog.
func NewLibrary(templates []Template) (*Library, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("template catalog is empty")
	}
	byID := make(map[string]Template, len(templates))
	byTier := make(map[models.Tier][]Template)
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template with empty id")
		}
		if !t.Tier.Valid() {
			return nil, fmt.Errorf("template %s has unknown tier %q", t.ID, t.Tier)
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %s", t.ID)
		}
		byID[t.ID] = t
		byTier[t.Tier] = append(byTier[t.Tier], t)
	}
	// Stable id order makes selection deterministic.
	for tier := range byTier {
		sort.Slice(byTier[tier], func(i, j int) bool {
			return byTier[tier][i].ID < byTier[tier][j].ID
		})
	}
	sorted := make([]Template, 0, len(templates))
	for _, t := range byID {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	cache, err := lru.New[selectKey, []Template](selectionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Library{byID: byID, byTier: byTier, all: sorted, cache: cache}, nil
}

// Get looks up a template by id.
func (l *Library) Get(id string) (Template, bool) {
	t, ok := l.byID[id]
	return t, ok
}

// List returns templates matching the filter, ordered by id.
func (l *Library) List(f Filter) []Template {
	out := make([]Template, 0, len(l.all))
	for _, t := range l.all {
		if f.Niche != "" && t.Niche != f.Niche {
			continue
		}
		if f.Tier != nil && t.Tier != *f.Tier {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Select returns k templates biased toward the avatar's niche. Per-tier
// counts follow largest-remainder rounding of mix, so they sum exactly to k.
// The result is a pure function of (avatar id, niche, mix, k, seed).
func (l *Library) Select(avatar *models.Avatar, mix models.TierMix, k int, seed int64) []Template {
	key := selectKey{
		avatarID: avatar.ID.String(),
		niche:    avatar.Niche,
		mix:      mixKey(mix),
		k:        k,
		seed:     seed,
	}
	if cached, ok := l.cache.Get(key); ok {
		l.hits.Add(1)
		out := make([]Template, len(cached))
		copy(out, cached)
		return out
	}
	l.misses.Add(1)

	selected := l.selectUncached(avatar.Niche, mix, k, seed)

	stored := make([]Template, len(selected))
	copy(stored, selected)
	l.cache.Add(key, stored)
	return selected
}

func (l *Library) selectUncached(niche string, mix models.TierMix, k int, seed int64) []Template {
	counts := mix.Counts(k)
	out := make([]Template, 0, k)
	for _, tier := range models.Tiers {
		n := counts[tier]
		if n == 0 {
			continue
		}
		rng := rand.New(rand.NewSource(seed + int64(tierOrdinal(tier))))
		out = append(out, l.pickForTier(tier, niche, n, rng)...)
	}
	return out
}

// pickForTier takes n templates from one tier, niche matches first, each
// class rotated by a seed-derived offset. When the tier has fewer templates
// than requested, picks wrap around.
func (l *Library) pickForTier(tier models.Tier, niche string, n int, rng *rand.Rand) []Template {
	pool := l.byTier[tier]
	if len(pool) == 0 {
		return nil
	}

	var matched, rest []Template
	for _, t := range pool {
		if t.Niche == niche {
			matched = append(matched, t)
		} else {
			rest = append(rest, t)
		}
	}

	ordered := make([]Template, 0, len(pool))
	ordered = append(ordered, rotate(matched, rng)...)
	ordered = append(ordered, rotate(rest, rng)...)

	out := make([]Template, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ordered[i%len(ordered)])
	}
	return out
}

func rotate(ts []Template, rng *rand.Rand) []Template {
	if len(ts) < 2 {
		return ts
	}
	start := rng.Intn(len(ts))
	out := make([]Template, 0, len(ts))
	out = append(out, ts[start:]...)
	out = append(out, ts[:start]...)
	return out
}

func tierOrdinal(t models.Tier) int {
	for i, tier := range models.Tiers {
		if tier == t {
			return i
		}
	}
	return len(models.Tiers)
}

func mixKey(mix models.TierMix) string {
	parts := make([]string, 0, len(models.Tiers))
	for _, tier := range models.Tiers {
		parts = append(parts, fmt.Sprintf("%s=%.6f", tier, mix[tier]))
	}
	return strings.Join(parts, ",")
}

// Stats returns selection cache counters.
func (l *Library) Stats() CacheStats {
	hits := l.hits.Load()
	misses := l.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{Hits: hits, Misses: misses, HitRate: rate}
}
