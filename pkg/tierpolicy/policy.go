// Package tierpolicy implements tier resolution and request admission: the
// single decision point that downstream stages must agree on — which
// content types, which model, how much parallelism, and what cache TTL
// apply to a request.
package tierpolicy

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/contentforge/jobserver/pkg/config"
	"github.com/contentforge/jobserver/pkg/models"
)

// userCacheTTL bounds how long a resolved tier is trusted before a fresh
// lookup is required.
const userCacheTTL = 5 * time.Minute

// TierLookup is the durable fallback consulted on a user-cache miss.
type TierLookup interface {
	UserTier(ctx context.Context, userID string) (models.Tier, bool, error)
}

// cacheEntry is one entry in the bounded-TTL user-tier cache.
type cacheEntry struct {
	tier       models.Tier
	resolvedAt time.Time
}

// Policy implements resolve/admit/invalidate over a TierRegistry, backed by
// a bounded-TTL user-tier cache.
type Policy struct {
	registry *config.TierRegistry
	lookup   TierLookup

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// group collapses concurrent durable lookups for the same userID into a
	// single TierLookup.UserTier call, so a burst of requests from one user
	// racing a cold user-cache doesn't hammer the store with duplicate
	// queries. This is a within-process optimization over the durable
	// fallback lookup, not a change to its observable outcome.
	group singleflight.Group
}

// New creates a Policy over the given tier registry and durable lookup.
func New(registry *config.TierRegistry, lookup TierLookup) *Policy {
	return &Policy{
		registry: registry,
		lookup:   lookup,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve implements authn.TierResolver: cache-backed tier lookup, falling
// back to "free" on any miss or lookup failure.
func (p *Policy) Resolve(ctx context.Context, userID string) models.Tier {
	if tier, ok := p.cached(userID); ok {
		return tier
	}

	result, _, _ := p.group.Do(userID, func() (any, error) {
		tier := models.TierFree
		if p.lookup != nil {
			if t, found, err := p.lookup.UserTier(ctx, userID); err == nil && found {
				tier = t
			}
		}

		p.mu.Lock()
		p.cache[userID] = cacheEntry{tier: tier, resolvedAt: time.Now()}
		p.mu.Unlock()

		return tier, nil
	})

	return result.(models.Tier)
}

func (p *Policy) cached(userID string) (models.Tier, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[userID]
	if !ok || time.Since(entry.resolvedAt) > userCacheTTL {
		return "", false
	}
	return entry.tier, true
}

// ResolveDefinition returns the tier definition backing a tier, for
// client-facing capability display (/meta).
func (p *Policy) ResolveDefinition(tier models.Tier) models.TierDefinition {
	return p.registry.Get(tier)
}

// Invalidate drops cached tier decisions for the given users, used by admin
// endpoints after a tier mutation.
func (p *Policy) Invalidate(userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range userIDs {
		delete(p.cache, id)
	}
}

// Request is the admission-decision input.
type Request struct {
	Topic           string
	RequestedTypes  []models.ContentType
}

// Admission is the outcome of a successful admit() call.
type Admission struct {
	Tier              models.Tier
	EffectiveTypes    []models.ContentType
	ModelID           string
	MaxParallelStages int
	CacheTTL          time.Duration
	NormalizedTopic   string
	DisplayTopic      string
}

// Denial is the outcome of a rejected admit() call.
type Denial struct {
	Reason models.DenialReason
}

// Admit computes the effective type set for a principal's request and
// returns either an Admission or a Denial.
func (p *Policy) Admit(principal models.Principal, req Request) (*Admission, *Denial) {
	displayTopic := strings.TrimSpace(req.Topic)
	normalized := NormalizeTopic(req.Topic)
	if normalized == "" {
		return nil, &Denial{Reason: models.DenyEmptyTopic}
	}

	requested := req.RequestedTypes
	if len(requested) == 0 {
		requested = []models.ContentType{models.ContentBlog}
	}

	def := p.registry.Get(principal.Tier)

	effective := make([]models.ContentType, 0, len(requested))
	seen := make(map[models.ContentType]bool, len(requested))
	for _, ct := range requested {
		if seen[ct] {
			continue
		}
		seen[ct] = true
		if def.AllowsType(ct) {
			effective = append(effective, ct)
		}
	}

	if len(effective) == 0 {
		if len(requested) > 0 && !def.AllowsType(requested[0]) {
			return nil, &Denial{Reason: models.DenyTypeNotAllowed}
		}
		return nil, &Denial{Reason: models.DenyEmptyTypes}
	}

	return &Admission{
		Tier:              principal.Tier,
		EffectiveTypes:    effective,
		ModelID:           def.ModelID,
		MaxParallelStages: def.MaxParallelStages,
		CacheTTL:          def.CacheTTL(),
		NormalizedTopic:   normalized,
		DisplayTopic:      displayTopic,
	}, nil
}

// NormalizeTopic applies the cache-key normalization rule: collapse
// internal whitespace, lowercase, trim. (Full Unicode NFKC normalization is
// deliberately not applied here — see DESIGN.md.)
func NormalizeTopic(topic string) string {
	trimmed := strings.TrimSpace(topic)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	lastWasSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		lastWasSpace = false
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.TrimSpace(b.String())
}
