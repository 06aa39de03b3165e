package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
)

// Decision is the gate's verdict.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
	DecisionError Decision = "error"
)

var decisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ridewallet",
		Name:      "risk_decisions_total",
		Help:      "Risk gate decisions by check and decision.",
	},
	[]string{"check", "decision"},
)

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// Gate answers whether an owner may receive outbound funds.
type Gate struct {
	store  ProfileStore
	policy Policy
	audit  *audit.Recorder
	logger *slog.Logger
}

// NewGate creates a risk gate over store.
func NewGate(store ProfileStore, policy Policy, recorder *audit.Recorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, policy: policy, audit: recorder, logger: logger}
}

// Policy returns the active blocking policy.
func (g *Gate) Policy() Policy { return g.policy }

// IsPayoutAllowed reports whether ownerID may be paid out.
func (g *Gate) IsPayoutAllowed(ctx context.Context, ownerID string) (bool, error) {
	return g.allowed(ctx, CheckPayout, ownerID)
}

// IsIncentiveAllowed reports whether ownerID may receive incentive credit.
func (g *Gate) IsIncentiveAllowed(ctx context.Context, ownerID string) (bool, error) {
	return g.allowed(ctx, CheckIncentive, ownerID)
}

// A store failure blocks: no funds leave on an unknown risk level.
func (g *Gate) allowed(ctx context.Context, check Check, ownerID string) (bool, error) {
	level, err := g.Level(ctx, ownerID)
	if err != nil {
		decisionsTotal.WithLabelValues(string(check), string(DecisionError)).Inc()
		return false, err
	}
	if g.policy.Blocks(check, level) {
		decisionsTotal.WithLabelValues(string(check), string(DecisionBlock)).Inc()
		g.logger.Info("risk gate blocked", "check", check, "owner_id", ownerID, "level", level)
		return false, nil
	}
	decisionsTotal.WithLabelValues(string(check), string(DecisionAllow)).Inc()
	return true, nil
}

// Level returns the owner's current level, low when no profile exists.
func (g *Gate) Level(ctx context.Context, ownerID string) (Level, error) {
	p, err := g.store.Get(ctx, ownerID)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "risk profile lookup failed")
	}
	if p == nil {
		return LevelLow, nil
	}
	return p.Level, nil
}

// Profile returns the stored profile or a synthetic low-risk one.
func (g *Gate) Profile(ctx context.Context, ownerID string) (*Profile, error) {
	p, err := g.store.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Profile{OwnerID: ownerID, Level: LevelLow}, nil
	}
	return p, nil
}

// ProfileUpdate is a scorer's report for one owner. When Level is empty it
// is derived from Score.
type ProfileUpdate struct {
	OwnerID string
	Level   Level
	Score   float64
	Reason  string
}

// SetProfile stores a scorer's classification. It is the ingestion side of
// the gate and never touches wallets.
func (g *Gate) SetProfile(ctx context.Context, u ProfileUpdate, actor audit.Actor) (*Profile, error) {
	u.OwnerID = strings.TrimSpace(u.OwnerID)
	md := audit.Metadata{audit.KeyReason: u.Reason}

	p, prev, err := g.setProfile(ctx, u)
	if err != nil {
		g.audit.Failure(ctx, audit.ActionRiskProfileSet, audit.EntityRiskProfile, u.OwnerID, actor, err, md)
		return nil, err
	}
	md[audit.KeyLevel] = string(p.Level)
	md[audit.KeyPreviousLevel] = string(prev)
	if prev != p.Level {
		g.logger.Info("risk level changed", "owner_id", p.OwnerID, "from", prev, "to", p.Level)
	}
	g.audit.Success(ctx, audit.ActionRiskProfileSet, audit.EntityRiskProfile, p.OwnerID, actor, md)
	return p, nil
}

func (g *Gate) setProfile(ctx context.Context, u ProfileUpdate) (*Profile, Level, error) {
	if u.OwnerID == "" {
		return nil, "", apperr.New(apperr.CodeValidation, "owner id is required")
	}
	if u.Score < 0 || u.Score > 1 {
		return nil, "", apperr.Newf(apperr.CodeValidation, "score %v outside [0, 1]", u.Score)
	}
	level := u.Level
	if level == "" {
		level = LevelForScore(u.Score)
	}
	if !level.IsValid() {
		return nil, "", apperr.Newf(apperr.CodeValidation, "invalid risk level %q", level)
	}

	prev, err := g.Level(ctx, u.OwnerID)
	if err != nil {
		return nil, "", err
	}
	p := &Profile{
		OwnerID:   u.OwnerID,
		Level:     level,
		Score:     u.Score,
		Reason:    u.Reason,
		UpdatedAt: time.Now().UTC(),
	}
	if err := g.store.Put(ctx, p); err != nil {
		return nil, "", apperr.Wrap(apperr.CodeInternal, err, "failed to store risk profile")
	}
	return p, prev, nil
}

// ListByLevel lists owners at level, most recently updated first.
func (g *Gate) ListByLevel(ctx context.Context, level Level, limit int) ([]*Profile, error) {
	if !level.IsValid() {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid risk level %q", level)
	}
	return g.store.ListByLevel(ctx, level, limit)
}
