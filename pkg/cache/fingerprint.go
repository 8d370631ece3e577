package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/contentforge/jobserver/pkg/models"
)

// cacheSchemaVersion is bumped whenever the shape of a cached bundle changes
// incompatibly, forcing every existing entry to miss.
const cacheSchemaVersion = "v1"

// Fingerprint computes the deterministic digest over the canonical tuple
// (normalized_topic, sorted_requested_types, model_id, moderation_version,
// cache_schema_version).
func Fingerprint(normalizedTopic string, types []models.ContentType, modelID string, moderationVersion int) string {
	sorted := make([]string, len(types))
	for i, t := range types {
		sorted[i] = string(t)
	}
	sort.Strings(sorted)

	key := strings.Join([]string{
		normalizedTopic,
		strings.Join(sorted, ","),
		modelID,
		fmt.Sprintf("mod:%d", moderationVersion),
		cacheSchemaVersion,
	}, "|")

	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
