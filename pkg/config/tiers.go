package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/contentforge/jobserver/pkg/models"
)

// TierRegistry holds the loaded tier definitions, keyed by tier name.
// Loaded once at startup by LoadTierRegistry; read-only thereafter.
type TierRegistry struct {
	defs map[models.Tier]models.TierDefinition
}

// tierFile is the on-disk shape of the tier-definition config file.
type tierFile struct {
	Tiers []models.TierDefinition `yaml:"tiers"`
}

// defaultTierDefinitions are used when TierConfigPath does not exist, so the
// server always has a working built-in registry rather than failing startup
// over an optional file.
func defaultTierDefinitions() []models.TierDefinition {
	return []models.TierDefinition{
		{
			Tier:              models.TierFree,
			AllowedTypes:      []models.ContentType{models.ContentBlog},
			MonthlyQuota:      map[models.ContentType]int{models.ContentBlog: 10},
			ModelID:           "small-model-v1",
			MaxParallelStages: 1,
			CacheTTLSeconds:   3600,
		},
		{
			Tier:              models.TierBasic,
			AllowedTypes:      []models.ContentType{models.ContentBlog, models.ContentSocial},
			MonthlyQuota:      map[models.ContentType]int{models.ContentBlog: 50, models.ContentSocial: 100},
			ModelID:           "mid-model-v1",
			MaxParallelStages: 2,
			CacheTTLSeconds:   3600,
		},
		{
			Tier:              models.TierPro,
			AllowedTypes:      []models.ContentType{models.ContentBlog, models.ContentSocial, models.ContentAudio},
			MonthlyQuota:      map[models.ContentType]int{models.ContentBlog: 200, models.ContentSocial: 500, models.ContentAudio: 50},
			ModelID:           "large-model-v1",
			MaxParallelStages: 4,
			CacheTTLSeconds:   7200,
		},
		{
			Tier:              models.TierEnterprise,
			AllowedTypes:      []models.ContentType{models.ContentBlog, models.ContentSocial, models.ContentAudio, models.ContentVideo},
			MonthlyQuota:      map[models.ContentType]int{},
			ModelID:           "flagship-model-v1",
			MaxParallelStages: 8,
			CacheTTLSeconds:   14400,
		},
	}
}

// LoadTierRegistry reads the tier-definition YAML file at path. If the file
// does not exist, the built-in defaults are used instead — a missing
// TIER_CONFIG_PATH is not a startup error — optional files should fail
// open rather than block startup.
func LoadTierRegistry(path string) (*TierRegistry, error) {
	defs := defaultTierDefinitions()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var f tierFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("parsing tier config %s: %w", path, err)
			}
			if len(f.Tiers) > 0 {
				defs = f.Tiers
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading tier config %s: %w", path, err)
		}
	}

	reg := &TierRegistry{defs: make(map[models.Tier]models.TierDefinition, len(defs))}
	for _, d := range defs {
		reg.defs[d.Tier] = d
	}
	if _, ok := reg.defs[models.TierFree]; !ok {
		return nil, fmt.Errorf("tier registry must define the %q tier as a fallback", models.TierFree)
	}
	return reg, nil
}

// Get returns the tier definition for the given tier, falling back to the
// free tier if the tier is unrecognized.
func (r *TierRegistry) Get(tier models.Tier) models.TierDefinition {
	if d, ok := r.defs[tier]; ok {
		return d
	}
	return r.defs[models.TierFree]
}

// All returns every loaded tier definition, in no particular order.
func (r *TierRegistry) All() []models.TierDefinition {
	out := make([]models.TierDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}
