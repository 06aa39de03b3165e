package refund

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/auth"
)

// Authority is how much a role may approve.
type Authority string

const (
	AuthorityNone    Authority = "none"
	AuthorityLimited Authority = "limited"
	AuthorityFull    Authority = "full"
)

// Policy holds the approval limits.
type Policy struct {
	// LimitedMax is the largest amount a limited approver may approve.
	LimitedMax decimal.Decimal
}

// DefaultPolicy caps limited approvers at 20.00.
func DefaultPolicy() Policy {
	return Policy{LimitedMax: decimal.NewFromInt(20)}
}

// AuthorityOf maps a caller role onto its approval authority.
func AuthorityOf(role string) Authority {
	switch auth.Role(role) {
	case auth.RoleFinanceFull, auth.RoleAdmin:
		return AuthorityFull
	case auth.RoleFinanceLimited:
		return AuthorityLimited
	}
	return AuthorityNone
}

// CanApprove reports whether role may approve amount.
func (p Policy) CanApprove(role string, amount decimal.Decimal) bool {
	switch AuthorityOf(role) {
	case AuthorityFull:
		return true
	case AuthorityLimited:
		return amount.LessThanOrEqual(p.LimitedMax)
	}
	return false
}
