// Package pricing turns a generation request into an integer credit
// cost. Resolution is pure and side-effect free: the resolver owns no
// state beyond a handle to the live catalog, so callers may invoke it
// concurrently without coordination. Every failure is surfaced before
// any ledger interaction, and a missed lookup is always an error,
// never a silent zero.
package pricing

import (
	"fmt"
	"math"

	"github.com/palettelabs/credits/internal/catalog"
)

// MaxItemCount caps how many items a single request may price for.
// Values above the cap are clamped, not rejected; zero and negative
// counts are rejected outright.
const MaxItemCount = 4

// Request carries the normalized parameters of one pricing question.
// Optional fields use their zero value when the caller omitted them.
type Request struct {
	ModelID            string
	Type               catalog.GenerationType
	Resolution         string
	DurationSeconds    float64
	ItemCount          int
	UploadedImageCount int
	GenerateAudio      bool
	TextLength         int
}

// Result is the answer to a resolved request. MatchedKey records which
// pricing path produced the figure so that audit logs can explain a
// charge after the fact.
type Result struct {
	Credits    int64  `json:"credits"`
	MatchedKey string `json:"matchedKey"`
}

// predicate is one special-case pricing rule. Predicates run in
// registration order and the first applicable one wins, bypassing the
// generic variant-table path entirely.
type predicate struct {
	name    string
	applies func(r *catalog.Rule, req Request) bool
	price   func(r *catalog.Rule, req Request) (int64, string, error)
}

// Resolver answers pricing questions against whatever catalog version
// is current at call time.
type Resolver struct {
	table      *catalog.Table
	predicates []predicate
}

// NewResolver builds a resolver bound to the given catalog table. The
// predicate order is fixed here and is part of the pricing contract:
// per-second billing, then per-character tiers, then the
// image-to-image price flip.
func NewResolver(table *catalog.Table) *Resolver {
	return &Resolver{
		table: table,
		predicates: []predicate{
			{name: "per_second", applies: appliesPerSecond, price: pricePerSecond},
			{name: "per_character_tier", applies: appliesCharacterTier, price: priceCharacterTier},
			{name: "image_to_image", applies: appliesImageToImage, price: priceImageToImage},
		},
	}
}

// Resolve computes the credit cost for req. It returns ErrUnknownModel
// when the catalog has no rule for the model/type pair and
// ErrInvalidParameters when the request is malformed or names a
// configuration the model does not price.
func (rs *Resolver) Resolve(req Request) (Result, error) {
	itemCount, err := validate(req)
	if err != nil {
		return Result{}, err
	}

	// Snapshot the catalog once so a concurrent hot swap cannot mix
	// rule and variant data from two versions inside one resolution.
	cat := rs.table.Current()

	rule, ok := cat.Rule(req.ModelID)
	if !ok || rule.Type != req.Type {
		return Result{}, fmt.Errorf("%w: %s/%s", ErrUnknownModel, req.Type, req.ModelID)
	}

	if rule.Free {
		return Result{Credits: 0, MatchedKey: "free"}, nil
	}

	unit, matchedKey, err := rs.unitCost(cat, rule, req)
	if err != nil {
		return Result{}, err
	}

	if req.GenerateAudio && rule.AudioSurcharge > 0 {
		unit += rule.AudioSurcharge
	}

	return Result{Credits: unit * int64(itemCount), MatchedKey: matchedKey}, nil
}

// unitCost prices a single item: special-case predicates first, then
// the generic flat/table lookup.
func (rs *Resolver) unitCost(cat *catalog.Catalog, rule *catalog.Rule, req Request) (int64, string, error) {
	for _, p := range rs.predicates {
		if p.applies(rule, req) {
			return p.price(rule, req)
		}
	}

	switch rule.Shape {
	case catalog.ShapeFlat:
		return rule.Credits, "flat", nil
	case catalog.ShapeResolutionTable, catalog.ShapeComposite:
		return variantCost(cat, rule, req)
	default:
		// A shape whose predicate did not fire means the request is
		// missing the parameter that shape prices by.
		return 0, "", fmt.Errorf("%w: %s pricing for %s needs %s",
			ErrInvalidParameters, rule.Shape, rule.ModelID, shapeParameter(rule.Shape))
	}
}

// variantCost builds the canonical variant key from the request and
// queries the catalog, relying on its one-shot default fallback for
// axes the caller omitted.
func variantCost(cat *catalog.Catalog, rule *catalog.Rule, req Request) (int64, string, error) {
	var key catalog.VariantKey

	if rule.HasModes() {
		key.Mode = deriveMode(rule.Type, req.UploadedImageCount)
	}
	if rule.HasDurations() && req.DurationSeconds > 0 {
		key.DurationSec = rule.SnapDuration(int(math.Ceil(req.DurationSeconds)))
	}
	if rule.HasResolutions() && req.Resolution != "" {
		norm, ok := rule.NormalizeResolution(req.Resolution)
		if !ok {
			return 0, "", fmt.Errorf("%w: %s does not support resolution %q",
				ErrInvalidParameters, rule.ModelID, req.Resolution)
		}
		key.Resolution = norm
	}

	credits, matched, ok := cat.Lookup(rule.ModelID, key)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s has no price for variant %s",
			ErrInvalidParameters, rule.ModelID, key)
	}
	return credits, matched.String(), nil
}

func validate(req Request) (int, error) {
	if req.ModelID == "" {
		return 0, fmt.Errorf("%w: missing model id", ErrInvalidParameters)
	}
	if req.DurationSeconds < 0 {
		return 0, fmt.Errorf("%w: negative duration", ErrInvalidParameters)
	}
	if req.UploadedImageCount < 0 {
		return 0, fmt.Errorf("%w: negative uploaded image count", ErrInvalidParameters)
	}
	if req.TextLength < 0 {
		return 0, fmt.Errorf("%w: negative text length", ErrInvalidParameters)
	}
	if req.ItemCount <= 0 {
		return 0, fmt.Errorf("%w: item count must be at least 1", ErrInvalidParameters)
	}
	itemCount := req.ItemCount
	if itemCount > MaxItemCount {
		itemCount = MaxItemCount
	}
	return itemCount, nil
}

func appliesPerSecond(r *catalog.Rule, _ Request) bool {
	return r.Shape == catalog.ShapePerSecond
}

func pricePerSecond(r *catalog.Rule, req Request) (int64, string, error) {
	if req.DurationSeconds <= 0 {
		return 0, "", fmt.Errorf("%w: %s bills per second and needs a positive duration",
			ErrInvalidParameters, r.ModelID)
	}
	seconds := int(math.Ceil(req.DurationSeconds))
	if seconds < r.MinSeconds {
		seconds = r.MinSeconds
	}
	return int64(seconds) * r.RatePerSecond, fmt.Sprintf("per-second:%ds", seconds), nil
}

func appliesCharacterTier(r *catalog.Rule, _ Request) bool {
	return r.Shape == catalog.ShapePerCharacterTier
}

func priceCharacterTier(r *catalog.Rule, req Request) (int64, string, error) {
	if req.TextLength <= 0 {
		return 0, "", fmt.Errorf("%w: %s bills per character and needs a positive text length",
			ErrInvalidParameters, r.ModelID)
	}
	for _, t := range r.Tiers {
		if req.TextLength <= t.MaxChars {
			return t.Credits, fmt.Sprintf("chars<=%d", t.MaxChars), nil
		}
	}
	// Past the top breakpoint the price clamps to the top tier.
	top := r.Tiers[len(r.Tiers)-1]
	return top.Credits, fmt.Sprintf("chars<=%d", top.MaxChars), nil
}

func appliesImageToImage(r *catalog.Rule, req Request) bool {
	return r.ImageToImageCredits > 0 && req.UploadedImageCount > 0
}

func priceImageToImage(r *catalog.Rule, _ Request) (int64, string, error) {
	return r.ImageToImageCredits, "i2i", nil
}

// deriveMode maps the presence of an uploaded reference image onto the
// mode axis for models that price text-to and image-to variants
// differently.
func deriveMode(t catalog.GenerationType, uploadedImages int) string {
	switch t {
	case catalog.TypeVideo:
		if uploadedImages > 0 {
			return "i2v"
		}
		return "t2v"
	case catalog.TypeImage:
		if uploadedImages > 0 {
			return "i2i"
		}
		return "t2i"
	default:
		return ""
	}
}

func shapeParameter(s catalog.Shape) string {
	switch s {
	case catalog.ShapePerSecond:
		return "durationSeconds"
	case catalog.ShapePerCharacterTier:
		return "textLength"
	default:
		return "parameters"
	}
}
