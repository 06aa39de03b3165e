// Package audit records an append-only trail of every state-changing action
// taken against wallets, payouts, refunds, chargebacks and reconciliations.
//
// Entries are never updated or deleted. Writing an entry is best-effort from
// the caller's perspective: a failed audit write must not undo a money
// movement that already happened, but it is retried, logged at ERROR and
// counted so that it can be alerted on.
package audit

import (
	"context"
	"time"
)

// EntityType names the table an entry refers to.
type EntityType string

const (
	EntityWallet         EntityType = "wallet"
	EntityTransaction    EntityType = "transaction"
	EntityPayout         EntityType = "payout"
	EntityRefund         EntityType = "refund"
	EntityChargeback     EntityType = "chargeback"
	EntityReconciliation EntityType = "reconciliation"
	EntityTrip           EntityType = "trip"
	EntityRiskProfile    EntityType = "risk_profile"
	EntityKillSwitch     EntityType = "kill_switch"
)

// Action identifies what happened, formatted as "<entity>.<verb>".
type Action string

const (
	ActionWalletCreate      Action = "wallet.create"
	ActionWalletCredit      Action = "wallet.credit"
	ActionWalletDebit       Action = "wallet.debit"
	ActionWalletHold        Action = "wallet.hold"
	ActionWalletRelease     Action = "wallet.release_hold"
	ActionWalletSettle      Action = "wallet.settle_hold"
	ActionWalletFreeze      Action = "wallet.freeze"
	ActionWalletUnfreeze    Action = "wallet.unfreeze"
	ActionTransactionRevert Action = "transaction.reverse"

	ActionPayoutInitiate Action = "payout.initiate"
	ActionPayoutProcess  Action = "payout.process"
	ActionPayoutReverse  Action = "payout.reverse"
	ActionPayoutResolve  Action = "payout.resolve_stuck"

	ActionRefundCreate  Action = "refund.create"
	ActionRefundApprove Action = "refund.approve"
	ActionRefundReject  Action = "refund.reject"
	ActionRefundProcess Action = "refund.process"
	ActionRefundReverse Action = "refund.reverse"

	ActionChargebackReport  Action = "chargeback.report"
	ActionChargebackResolve Action = "chargeback.resolve"

	ActionReconciliationRun    Action = "reconciliation.run"
	ActionReconciliationReview Action = "reconciliation.review"

	ActionTripSettle      Action = "trip.settle"
	ActionIncentiveCredit Action = "trip.incentive_credit"

	ActionRiskProfileSet Action = "risk.profile_set"
	ActionKillSwitchSet  Action = "killswitch.set"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Known metadata keys. Each action documents which of these it sets:
//
//	wallet.create       owner_id, role
//	wallet.*            amount, source_type, source_id, transaction_id, balance_after, locked_after, replayed
//	wallet.freeze       reason
//	transaction.reverse transaction_id, reverses_id, reason
//	payout.*            amount, previous_status, new_status, gateway_reference, reason
//	refund.*            amount, previous_status, new_status, reason
//	chargeback.*        amount, previous_status, new_status, transaction_id
//	reconciliation.*    expected_amount, actual_amount, variance, new_status, notes
//	trip.*              driver_amount, platform_amount, partial_failure
//	risk.profile_set    level, previous_level, reason
//	killswitch.set      disabled, reason
//
// Every failed entry also carries error_code and error.
const (
	KeyOwnerID          = "owner_id"
	KeyRole             = "role"
	KeyAmount           = "amount"
	KeySourceType       = "source_type"
	KeySourceID         = "source_id"
	KeyTransactionID    = "transaction_id"
	KeyReversesID       = "reverses_id"
	KeyBalanceAfter     = "balance_after"
	KeyLockedAfter      = "locked_after"
	KeyReason           = "reason"
	KeyPreviousStatus   = "previous_status"
	KeyNewStatus        = "new_status"
	KeyGatewayReference = "gateway_reference"
	KeyExpectedAmount   = "expected_amount"
	KeyActualAmount     = "actual_amount"
	KeyVariance         = "variance"
	KeyNotes            = "notes"
	KeyDriverAmount     = "driver_amount"
	KeyPlatformAmount   = "platform_amount"
	KeyPartialFailure   = "partial_failure"
	KeyReplayed         = "replayed"
	KeyLevel            = "level"
	KeyPreviousLevel    = "previous_level"
	KeyDisabled         = "disabled"
	KeyErrorCode        = "error_code"
	KeyError            = "error"
)

// Metadata is the structured payload of an entry.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Actor identifies who performed an action. A zero Actor is the system.
type Actor struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

// SystemRole is used when no human initiated the action.
const SystemRole = "system"

// System returns the actor used for automated operations.
func System() Actor { return Actor{Role: SystemRole} }

// IsSystem reports whether no user is attached.
func (a Actor) IsSystem() bool { return a.UserID == "" }

// Entry is a single audit log record.
type Entry struct {
	ID                int64      `json:"id"`
	Action            Action     `json:"action"`
	EntityType        EntityType `json:"entityType"`
	EntityID          string     `json:"entityId"`
	PerformedByUserID string     `json:"performedByUserId,omitempty"`
	PerformedByRole   string     `json:"performedByRole"`
	Outcome           Outcome    `json:"outcome"`
	Metadata          Metadata   `json:"metadata,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Filter narrows a Query. Zero fields are ignored.
type Filter struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	UserID     string
	From       time.Time
	To         time.Time
	Limit      int
}

// Logger persists audit entries.
type Logger interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, f Filter) ([]*Entry, error)
}
