// Package blueprint canonicalizes card blueprint identifiers so every
// printing of a card aggregates under one id.
package blueprint

import (
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// maxMappingDepth bounds errata chain resolution. Chains longer than
// this indicate a cycle in the mapping file.
const maxMappingDepth = 10

// defaultCacheSize covers the distinct blueprints of a large format
// comfortably.
const defaultCacheSize = 16384

// Normalizer converts raw blueprint ids to canonical form. It is safe
// for concurrent use; ingestion workers share one instance.
type Normalizer struct {
	mu      sync.RWMutex
	mapping map[string]string
	cache   *lru.Cache
}

// NewNormalizer creates a normalizer with the given errata mapping.
// A nil mapping is valid and leaves only the structural rules active.
func NewNormalizer(mapping map[string]string) *Normalizer {
	cache, _ := lru.New(defaultCacheSize)
	return &Normalizer{
		mapping: mapping,
		cache:   cache,
	}
}

// SetMapping swaps the errata mapping and purges the memo cache.
func (n *Normalizer) SetMapping(mapping map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mapping = mapping
	n.cache.Purge()
}

// Normalize returns the canonical blueprint id for a raw id. The result
// is idempotent: Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	if cached, ok := n.cache.Get(raw); ok {
		return cached.(string)
	}

	// The cache add stays under the read lock so a concurrent
	// SetMapping purge cannot race a stale entry back in.
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := normalizeStructural(raw)
	for i := 0; i < maxMappingDepth; i++ {
		target, ok := n.mapping[result]
		if !ok {
			break
		}
		result = normalizeStructural(target)
	}

	n.cache.Add(raw, result)
	return result
}

// normalizeStructural applies the printing-variant rules that need no
// mapping data: suffix stripping and alternate-set renumbering.
func normalizeStructural(id string) string {
	// Foil (*) and tengwar (T) markers trail the card number.
	for len(id) > 0 {
		last := id[len(id)-1]
		if last != '*' && last != 'T' {
			break
		}
		id = id[:len(id)-1]
	}

	// Alternate-printing sets shadow a base set at a fixed offset:
	// 70-89 reprint 0-19, 150-199 reprint 100-149.
	setStr, card, ok := strings.Cut(id, "_")
	if !ok {
		return id
	}
	set, err := strconv.Atoi(setStr)
	if err != nil {
		return id
	}
	switch {
	case set >= 70 && set <= 89:
		set -= 70
	case set >= 150 && set <= 199:
		set -= 50
	default:
		return id
	}
	return strconv.Itoa(set) + "_" + card
}
