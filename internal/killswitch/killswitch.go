// Package killswitch implements launch control for payouts.
//
// A switch can disable payouts globally or for a single country. The static
// switch comes from configuration; the Redis switch lets operators flip it
// at runtime across every instance. Payout code takes a Switch and never
// reads ambient state.
package killswitch

import (
	"context"
	"strings"
)

// Scope is either ScopeGlobal or an ISO 3166-1 alpha-2 country code.
type Scope string

// ScopeGlobal disables payouts everywhere.
const ScopeGlobal Scope = "global"

// NormalizeScope upper-cases country codes and maps "" to ScopeGlobal.
func NormalizeScope(raw string) Scope {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, string(ScopeGlobal)) {
		return ScopeGlobal
	}
	return Scope(strings.ToUpper(raw))
}

// Switch reports whether payouts are currently disabled for a country.
// An empty country code checks the global scope only.
type Switch interface {
	PayoutsDisabled(ctx context.Context, countryCode string) (bool, error)
}

// Static is a switch fixed at startup.
type Static struct {
	global    bool
	countries map[Scope]bool
}

// NewStatic creates a static switch.
func NewStatic(global bool, countries []string) *Static {
	s := &Static{global: global, countries: make(map[Scope]bool, len(countries))}
	for _, cc := range countries {
		if sc := NormalizeScope(cc); sc != ScopeGlobal {
			s.countries[sc] = true
		}
	}
	return s
}

func (s *Static) PayoutsDisabled(_ context.Context, countryCode string) (bool, error) {
	if s.global {
		return true, nil
	}
	if countryCode == "" {
		return false, nil
	}
	return s.countries[NormalizeScope(countryCode)], nil
}

// Any is disabled when any of its switches is. The first error wins.
type Any []Switch

func (a Any) PayoutsDisabled(ctx context.Context, countryCode string) (bool, error) {
	for _, s := range a {
		disabled, err := s.PayoutsDisabled(ctx, countryCode)
		if err != nil {
			return true, err
		}
		if disabled {
			return true, nil
		}
	}
	return false, nil
}
