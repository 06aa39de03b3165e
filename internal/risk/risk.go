// Package risk implements the read-only risk gate consulted before funds
// leave the platform.
//
// Risk levels are produced by an external scoring system and stored per
// owner. The gate only reads them: a Policy decides which levels block
// payouts and which block incentive credits. Owners without a profile are
// treated as low risk.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is an owner's risk classification.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var validLevels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// IsValid reports whether l is a known level.
func (l Level) IsValid() bool {
	for _, candidate := range validLevels {
		if l == candidate {
			return true
		}
	}
	return false
}

// ParseLevel converts raw input into a Level.
func ParseLevel(value string) (Level, error) {
	v := Level(strings.ToLower(strings.TrimSpace(value)))
	if v.IsValid() {
		return v, nil
	}
	return "", fmt.Errorf("invalid risk level %q", value)
}

// Score thresholds used when a scorer reports a number instead of a level.
const (
	MediumThreshold   = 0.5
	HighThreshold     = 0.8
	CriticalThreshold = 0.95
)

// LevelForScore maps a score in [0, 1] onto a level.
func LevelForScore(score float64) Level {
	switch {
	case score >= CriticalThreshold:
		return LevelCritical
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Profile is the latest risk classification for an owner.
type Profile struct {
	OwnerID   string    `json:"ownerId"`
	Level     Level     `json:"level"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProfileStore persists risk profiles.
type ProfileStore interface {
	// Get returns nil, nil when the owner has no profile.
	Get(ctx context.Context, ownerID string) (*Profile, error)
	Put(ctx context.Context, p *Profile) error
	ListByLevel(ctx context.Context, level Level, limit int) ([]*Profile, error)
}
