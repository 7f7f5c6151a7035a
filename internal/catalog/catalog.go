// Package catalog holds the authoritative mapping from model identifiers to
// credit pricing rules.
//
// The catalog is the pricing source of truth for every generation request.
// It is loaded once at process start from a versioned YAML document and is
// never mutated afterwards: a reload parses a complete new table and swaps
// it in atomically, so concurrent readers either see the old version or the
// new one, never a torn mix of both.
//
// Pricing rules come in five shapes:
//
//   - flat:               one price per generation
//   - per_second:         credits = ceil(duration) * rate, with a minimum
//   - per_character_tier: breakpoints on text length, top tier clamps
//   - resolution_table:   price varies by resolution bucket only
//   - composite:          price varies by (mode, duration, resolution)
//
// Variant lookups use a typed key built from normalized parameters rather
// than string concatenation. The same logical configuration therefore always
// produces the same key no matter how the caller formatted its inputs, and
// the single documented fallback (duration 5s, resolution 720p) lives in one
// function instead of being scattered across ad hoc retry branches.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// GenerationType classifies what a model produces.
type GenerationType string

const (
	TypeImage  GenerationType = "image"
	TypeVideo  GenerationType = "video"
	TypeMusic  GenerationType = "music"
	TypeSpeech GenerationType = "speech"
)

// ParseGenerationType validates a wire-format generation type.
func ParseGenerationType(s string) (GenerationType, error) {
	switch GenerationType(s) {
	case TypeImage, TypeVideo, TypeMusic, TypeSpeech:
		return GenerationType(s), nil
	}
	return "", fmt.Errorf("unknown generation type %q", s)
}

// Shape identifies how a rule computes its price.
type Shape string

const (
	ShapeFlat             Shape = "flat"
	ShapePerSecond        Shape = "per_second"
	ShapePerCharacterTier Shape = "per_character_tier"
	ShapeResolutionTable  Shape = "resolution_table"
	ShapeComposite        Shape = "composite"
)

// Default variant axes, applied at most once when an exact lookup misses.
// They exist to tolerate callers that omit optional parameters, not to
// mask genuinely unknown models.
const (
	DefaultDurationSec = 5
	DefaultResolution  = "720p"
)

// Tier is one breakpoint of a per-character rule. A request with text
// length <= MaxChars pays Credits; lengths beyond the top tier clamp to
// the top tier's price.
type Tier struct {
	MaxChars int
	Credits  int64
}

// VariantKey is the canonical identifier for one priced configuration of
// a model. Axes the model does not price on are left zero.
type VariantKey struct {
	Mode        string // "t2v", "i2v", "t2i", "i2i", or "" when mode-blind
	DurationSec int
	Resolution  string // bucket like "720p", or "" when resolution-blind
}

// String renders the key in a stable form used as the auditable
// matchedKey of a pricing result.
func (k VariantKey) String() string {
	parts := make([]string, 0, 3)
	if k.Mode != "" {
		parts = append(parts, k.Mode)
	}
	if k.DurationSec > 0 {
		parts = append(parts, fmt.Sprintf("%ds", k.DurationSec))
	}
	if k.Resolution != "" {
		parts = append(parts, k.Resolution)
	}
	if len(parts) == 0 {
		return "base"
	}
	return strings.Join(parts, "-")
}

// Rule is the immutable pricing rule for one model.
type Rule struct {
	ModelID string
	Type    GenerationType
	Shape   Shape

	// Free marks an explicit zero-cost allow-list entry. Zero cost is
	// reachable only through this flag, never through a missed lookup.
	Free bool

	// Flat pricing, and the image-to-image price that applies instead
	// when the request carries uploaded images.
	Credits             int64
	ImageToImageCredits int64

	// Per-second pricing.
	RatePerSecond int64
	MinSeconds    int

	// Per-character tiers, sorted ascending by MaxChars.
	Tiers []Tier

	// AudioSurcharge is added per item when the request enables audio.
	AudioSurcharge int64

	// Variant table for resolution_table and composite shapes.
	variants map[VariantKey]int64

	// Declared axes, derived from the variant table at load time and
	// used to normalize request parameters onto priced buckets.
	durations   []int
	resolutions map[string]bool
	modes       map[string]bool
}

// HasModes reports whether the rule prices t2v/i2v (or t2i/i2i)
// configurations separately.
func (r *Rule) HasModes() bool { return len(r.modes) > 0 }

// HasDurations reports whether the rule prices by duration bucket.
func (r *Rule) HasDurations() bool { return len(r.durations) > 0 }

// HasResolutions reports whether the rule prices by resolution bucket.
func (r *Rule) HasResolutions() bool { return len(r.resolutions) > 0 }

// SnapDuration maps a requested duration onto the smallest declared bucket
// that covers it, or the largest bucket when the request exceeds them all.
// Snapping up mirrors the source-of-truth tables (a 2-6s request prices as
// the 5s SKU) and guarantees the bucket never undercharges.
func (r *Rule) SnapDuration(seconds int) int {
	if len(r.durations) == 0 {
		return 0
	}
	for _, d := range r.durations {
		if seconds <= d {
			return d
		}
	}
	return r.durations[len(r.durations)-1]
}

// NormalizeResolution reduces a caller-formatted resolution string to the
// declared bucket it belongs to. "1080P", "1080x1920" and "1080p" all map
// to the "1080p" bucket. Returns false if nothing matches.
func (r *Rule) NormalizeResolution(res string) (string, bool) {
	if len(r.resolutions) == 0 {
		return "", true
	}
	needle := strings.ToLower(strings.TrimSpace(res))
	if r.resolutions[needle] {
		return needle, true
	}
	digits := leadingDigits(needle)
	if digits == "" {
		return "", false
	}
	buckets := make([]string, 0, len(r.resolutions))
	for b := range r.resolutions {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	for _, bucket := range buckets {
		if leadingDigits(bucket) == digits {
			return bucket, true
		}
	}
	return "", false
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// Variant returns the price for an exact variant key.
func (r *Rule) Variant(key VariantKey) (int64, bool) {
	c, ok := r.variants[key]
	return c, ok
}

// Catalog is one immutable parsed pricing table.
type Catalog struct {
	Version string
	rules   map[string]*Rule
}

// Rule returns the rule for a model id.
func (c *Catalog) Rule(modelID string) (*Rule, bool) {
	r, ok := c.rules[modelID]
	return r, ok
}

// Len returns the number of models in the catalog.
func (c *Catalog) Len() int { return len(c.rules) }

// ModelIDs returns all model ids, sorted, for diagnostics and the CLI.
func (c *Catalog) ModelIDs() []string {
	ids := make([]string, 0, len(c.rules))
	for id := range c.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup resolves a variant price with the one-shot default fallback. The
// returned key is the key that actually matched, so callers can surface it
// for auditability.
func (c *Catalog) Lookup(modelID string, key VariantKey) (int64, VariantKey, bool) {
	r, ok := c.rules[modelID]
	if !ok {
		return 0, VariantKey{}, false
	}
	if credits, ok := r.Variant(key); ok {
		return credits, key, true
	}

	// Fall back exactly once, substituting the documented defaults on
	// axes the caller left empty. Axes the caller did specify are never
	// overridden; an explicit-but-unpriced configuration stays a miss.
	fb := key
	if r.HasDurations() && fb.DurationSec == 0 {
		fb.DurationSec = r.SnapDuration(DefaultDurationSec)
	}
	if r.HasResolutions() && fb.Resolution == "" {
		if norm, ok := r.NormalizeResolution(DefaultResolution); ok {
			fb.Resolution = norm
		}
	}
	if fb == key {
		return 0, VariantKey{}, false
	}
	if credits, ok := r.Variant(fb); ok {
		return credits, fb, true
	}
	return 0, VariantKey{}, false
}

// Table is the process-wide catalog holder. Readers call Current on every
// resolution; writers swap entire catalogs in with Swap. The atomic.Value
// makes hot reload safe without readers taking a lock.
type Table struct {
	current atomic.Value // *Catalog
}

// NewTable creates a Table seeded with the given catalog.
func NewTable(c *Catalog) *Table {
	t := &Table{}
	t.current.Store(c)
	return t
}

// Current returns the active catalog snapshot.
func (t *Table) Current() *Catalog {
	return t.current.Load().(*Catalog)
}

// Swap atomically replaces the active catalog.
func (t *Table) Swap(c *Catalog) {
	t.current.Store(c)
}
