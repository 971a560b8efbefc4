package model

import "strings"

// ImpactLevel is the discrete bucket derived from an impact score.
type ImpactLevel string

const (
	LevelNegligible ImpactLevel = "NEGLIGIBLE"
	LevelLow        ImpactLevel = "LOW"
	LevelMedium     ImpactLevel = "MEDIUM"
	LevelHigh       ImpactLevel = "HIGH"
	LevelCritical   ImpactLevel = "CRITICAL"
)

// Levels lists impact levels from least to most significant.
var Levels = []ImpactLevel{LevelNegligible, LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Rank orders levels; unknown levels rank below NEGLIGIBLE.
func (l ImpactLevel) Rank() int {
	for i, v := range Levels {
		if v == l {
			return i
		}
	}
	return -1
}

// AtLeast reports whether l is as significant as other.
func (l ImpactLevel) AtLeast(other ImpactLevel) bool {
	return l.Rank() >= other.Rank()
}

// Tier is a memory protection class of the tiered state store.
type Tier int

const (
	TierNone Tier = iota
	TierCurrent
	TierImportant
	TierCritical
)

// Tiers lists the store tiers in lookup order, most protected first.
var Tiers = []Tier{TierCritical, TierImportant, TierCurrent}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierImportant:
		return "important"
	case TierCurrent:
		return "current"
	default:
		return "none"
	}
}

// ParseTier maps a config or metadata name back to a Tier.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return TierCritical
	case "important":
		return TierImportant
	case "current":
		return TierCurrent
	default:
		return TierNone
	}
}

// Priority orders tasks in the decision engine.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "BACKGROUND"
	}
}
