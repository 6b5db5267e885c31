package session

import (
	"math"
	"time"
)

// Knowledge defaults. Confidence halves every decay half-life; entries that
// fall below the prune threshold or outlive their TTL are removed on load.
const (
	KnowledgeDecayHalfLife   = 30 * 24 * time.Hour
	KnowledgePruneConfidence = 0.15
	DefaultKnowledgeTTL      = 180 * 24 * time.Hour
)

// KnowledgeEntry is one long-term memory item.
type KnowledgeEntry struct {
	Namespace  string        `json:"namespace"`
	Topic      string        `json:"topic"`
	Privacy    string        `json:"privacy,omitempty"` // "private" entries never leave the local store
	Data       string        `json:"data"`
	Confidence float64       `json:"confidence"` // in [0,1] at CreatedAt
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl,omitempty"`
}

// EffectiveConfidence returns the entry's confidence decayed to now.
func (k *KnowledgeEntry) EffectiveConfidence(now time.Time) float64 {
	age := now.Sub(k.CreatedAt)
	if age <= 0 {
		return k.Confidence
	}
	halfLives := float64(age) / float64(KnowledgeDecayHalfLife)
	return k.Confidence * math.Pow(0.5, halfLives)
}

// Expired reports whether the entry is past its TTL at now.
func (k *KnowledgeEntry) Expired(now time.Time) bool {
	ttl := k.TTL
	if ttl == 0 {
		ttl = DefaultKnowledgeTTL
	}
	return now.Sub(k.CreatedAt) > ttl
}

// pruneKnowledge drops expired and low-confidence entries.
func pruneKnowledge(entries []KnowledgeEntry, now time.Time) []KnowledgeEntry {
	kept := entries[:0]
	for _, k := range entries {
		if k.Expired(now) {
			continue
		}
		if k.EffectiveConfidence(now) < KnowledgePruneConfidence {
			continue
		}
		kept = append(kept, k)
	}
	return kept
}
