package risk

import "slices"

// Check names the kind of outbound movement being gated.
type Check string

const (
	CheckPayout    Check = "payout"
	CheckIncentive Check = "incentive"
)

// Policy lists the levels that block each check.
type Policy struct {
	BlockPayouts    []Level
	BlockIncentives []Level
}

// DefaultPolicy blocks payouts and incentives at high and critical.
func DefaultPolicy() Policy {
	return Policy{
		BlockPayouts:    []Level{LevelHigh, LevelCritical},
		BlockIncentives: []Level{LevelHigh, LevelCritical},
	}
}

// PolicyFromLevels builds a policy that blocks both checks at the given
// levels. An empty list yields DefaultPolicy.
func PolicyFromLevels(raw []string) (Policy, error) {
	if len(raw) == 0 {
		return DefaultPolicy(), nil
	}
	levels := make([]Level, 0, len(raw))
	for _, r := range raw {
		l, err := ParseLevel(r)
		if err != nil {
			return Policy{}, err
		}
		levels = append(levels, l)
	}
	return Policy{BlockPayouts: levels, BlockIncentives: slices.Clone(levels)}, nil
}

// Blocks reports whether level blocks check.
func (p Policy) Blocks(check Check, level Level) bool {
	switch check {
	case CheckPayout:
		return slices.Contains(p.BlockPayouts, level)
	case CheckIncentive:
		return slices.Contains(p.BlockIncentives, level)
	default:
		return true
	}
}
