package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File format for catalog documents. The top-level version marker is
// carried through to the parsed Catalog so operators can confirm which
// pricing revision a process is serving.
type fileDoc struct {
	Version string     `yaml:"version"`
	Models  []fileRule `yaml:"models"`
}

type fileRule struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"`
	Shape string `yaml:"shape"`
	Free  bool   `yaml:"free"`

	Credits             int64 `yaml:"credits"`
	ImageToImageCredits int64 `yaml:"image_to_image_credits"`

	RatePerSecond int64 `yaml:"rate_per_second"`
	MinSeconds    int   `yaml:"min_seconds"`

	AudioSurcharge int64 `yaml:"audio_surcharge"`

	Tiers []struct {
		MaxChars int   `yaml:"max_chars"`
		Credits  int64 `yaml:"credits"`
	} `yaml:"tiers"`

	Variants []struct {
		Mode       string `yaml:"mode"`
		Duration   int    `yaml:"duration"`
		Resolution string `yaml:"resolution"`
		Credits    int64  `yaml:"credits"`
	} `yaml:"variants"`
}

// Parse builds an immutable Catalog from YAML bytes, validating every rule.
// A catalog that fails validation is rejected wholesale: a half-usable
// pricing table is worse than keeping the previous version.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog yaml: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("catalog missing version marker")
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("catalog %q has no models", doc.Version)
	}

	rules := make(map[string]*Rule, len(doc.Models))
	for _, fr := range doc.Models {
		r, err := buildRule(fr)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", fr.ID, err)
		}
		if _, dup := rules[r.ModelID]; dup {
			return nil, fmt.Errorf("model %q: duplicate entry", fr.ID)
		}
		rules[r.ModelID] = r
	}
	return &Catalog{Version: doc.Version, rules: rules}, nil
}

// LoadFile parses a catalog from disk. Used for hot reload and the CLI's
// catalog check command; the embedded default goes through Parse directly.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

func buildRule(fr fileRule) (*Rule, error) {
	if fr.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	gt, err := ParseGenerationType(fr.Type)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		ModelID:             fr.ID,
		Type:                gt,
		Shape:               Shape(fr.Shape),
		Free:                fr.Free,
		Credits:             fr.Credits,
		ImageToImageCredits: fr.ImageToImageCredits,
		RatePerSecond:       fr.RatePerSecond,
		MinSeconds:          fr.MinSeconds,
		AudioSurcharge:      fr.AudioSurcharge,
	}

	switch r.Shape {
	case ShapeFlat:
		if !r.Free && r.Credits <= 0 {
			return nil, fmt.Errorf("flat rule needs positive credits")
		}
	case ShapePerSecond:
		if r.RatePerSecond <= 0 {
			return nil, fmt.Errorf("per_second rule needs positive rate")
		}
	case ShapePerCharacterTier:
		if len(fr.Tiers) == 0 {
			return nil, fmt.Errorf("per_character_tier rule needs tiers")
		}
		for _, t := range fr.Tiers {
			if t.MaxChars <= 0 || t.Credits <= 0 {
				return nil, fmt.Errorf("tier bounds must be positive")
			}
			r.Tiers = append(r.Tiers, Tier{MaxChars: t.MaxChars, Credits: t.Credits})
		}
		sort.Slice(r.Tiers, func(i, j int) bool { return r.Tiers[i].MaxChars < r.Tiers[j].MaxChars })
	case ShapeResolutionTable, ShapeComposite:
		if len(fr.Variants) == 0 {
			return nil, fmt.Errorf("%s rule needs variants", r.Shape)
		}
	default:
		return nil, fmt.Errorf("unknown shape %q", fr.Shape)
	}

	if len(fr.Variants) > 0 {
		r.variants = make(map[VariantKey]int64, len(fr.Variants))
		r.resolutions = make(map[string]bool)
		r.modes = make(map[string]bool)
		seenDur := make(map[int]bool)
		for _, v := range fr.Variants {
			if v.Credits <= 0 {
				return nil, fmt.Errorf("variant credits must be positive")
			}
			key := VariantKey{
				Mode:        strings.ToLower(v.Mode),
				DurationSec: v.Duration,
				Resolution:  strings.ToLower(v.Resolution),
			}
			if _, dup := r.variants[key]; dup {
				return nil, fmt.Errorf("duplicate variant %s", key)
			}
			r.variants[key] = v.Credits
			if key.Mode != "" {
				r.modes[key.Mode] = true
			}
			if key.DurationSec > 0 && !seenDur[key.DurationSec] {
				seenDur[key.DurationSec] = true
				r.durations = append(r.durations, key.DurationSec)
			}
			if key.Resolution != "" {
				r.resolutions[key.Resolution] = true
			}
		}
		sort.Ints(r.durations)
	}

	return r, nil
}
