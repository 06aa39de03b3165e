package server

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/chargeback"
	"github.com/mbd888/ridewallet/internal/config"
	"github.com/mbd888/ridewallet/internal/earnings"
	"github.com/mbd888/ridewallet/internal/gateway"
	"github.com/mbd888/ridewallet/internal/killswitch"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/payout"
	"github.com/mbd888/ridewallet/internal/reconciliation"
	"github.com/mbd888/ridewallet/internal/refund"
	"github.com/mbd888/ridewallet/internal/risk"
	"github.com/mbd888/ridewallet/internal/wallet"
)

type routeRegistrar interface {
	RegisterRoutes(r *gin.RouterGroup)
}

// app holds the wired domain services.
type app struct {
	recorder       *audit.Recorder
	wallets        *wallet.Engine
	risk           *risk.Gate
	kill           killswitch.Switch
	killRuntime    *killswitch.RedisSwitch
	earnings       *earnings.Service
	payouts        *payout.Service
	refunds        *refund.Service
	chargebacks    *chargeback.Service
	reconciliation *reconciliation.Service
	sweeper        *reconciliation.Sweeper
}

// stores is one backend's set of repositories.
type stores struct {
	audit          audit.Logger
	wallets        wallet.Store
	risk           risk.ProfileStore
	fares          earnings.FareStore
	payouts        payout.Store
	refunds        refund.Store
	chargebacks    chargeback.Store
	reconciliation reconciliation.Store
}

func memoryStores() stores {
	return stores{
		audit:          audit.NewMemoryLogger(),
		wallets:        wallet.NewMemoryStore(),
		risk:           risk.NewMemoryStore(),
		fares:          earnings.NewMemoryStore(),
		payouts:        payout.NewMemoryStore(),
		refunds:        refund.NewMemoryStore(),
		chargebacks:    chargeback.NewMemoryStore(),
		reconciliation: reconciliation.NewMemoryStore(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		audit:          audit.NewPostgresLogger(db),
		wallets:        wallet.NewPostgresStore(db),
		risk:           risk.NewPostgresStore(db),
		fares:          earnings.NewPostgresStore(db),
		payouts:        payout.NewPostgresStore(db),
		refunds:        refund.NewPostgresStore(db),
		chargebacks:    chargeback.NewPostgresStore(db),
		reconciliation: reconciliation.NewPostgresStore(db),
	}
}

// buildApp wires every service over db, or over memory stores when db is nil.
// rdb enables the runtime kill switch when set.
func buildApp(cfg *config.Config, db *sql.DB, rdb *redis.Client, gw gateway.Gateway, logger *slog.Logger) (*app, error) {
	st := memoryStores()
	if db != nil {
		st = postgresStores(db)
	}

	policy, err := risk.PolicyFromLevels(cfg.Risk.BlockedLevels)
	if err != nil {
		return nil, fmt.Errorf("RISK_BLOCKED_LEVELS: %w", err)
	}
	liability, err := chargeback.ParseLiability(cfg.Chargeback.Liability)
	if err != nil {
		return nil, fmt.Errorf("CHARGEBACK_LIABILITY: %w", err)
	}

	a := &app{}
	notifier := notify.NewLogNotifier(logger)
	a.recorder = audit.NewRecorder(st.audit, logger)
	a.wallets = wallet.NewEngine(st.wallets, a.recorder, logger)
	a.risk = risk.NewGate(st.risk, policy, a.recorder, logger)

	static := killswitch.NewStatic(cfg.KillSwitch.PayoutsDisabled, cfg.KillSwitch.DisabledCountries)
	a.kill = static
	if rdb != nil {
		a.killRuntime = killswitch.NewRedisSwitch(rdb, logger)
		a.kill = killswitch.Any{static, a.killRuntime}
	}

	a.earnings = earnings.NewService(a.wallets, st.fares, a.risk, a.recorder, notifier,
		cfg.Money.PlatformOwnerID, cfg.Money.Currency, logger)
	a.payouts = payout.NewService(st.payouts, a.wallets, gw, a.risk, a.kill, a.recorder, notifier,
		cfg.Gateway.Timeout, logger)
	a.refunds = refund.NewService(st.refunds, a.wallets, gw, a.earnings, refund.Config{
		Policy:          refund.Policy{LimitedMax: cfg.Money.RefundLimitMax},
		PlatformOwnerID: cfg.Money.PlatformOwnerID,
		Currency:        cfg.Money.Currency,
		GatewayTimeout:  cfg.Gateway.Timeout,
	}, a.recorder, notifier, logger)
	a.chargebacks = chargeback.NewService(st.chargebacks, a.wallets, liability,
		cfg.Money.PlatformOwnerID, cfg.Money.Currency, a.recorder, notifier, logger)
	a.reconciliation = reconciliation.NewService(st.reconciliation, a.earnings, reconciliation.Thresholds{
		Tolerance:  cfg.Money.ReconTolerance,
		Escalation: cfg.Money.ReconEscalation,
	}, a.recorder, notifier, logger)
	a.sweeper = reconciliation.NewSweeper(a.wallets, logger)
	return a, nil
}

func (a *app) handlers(stuckAfter time.Duration) []routeRegistrar {
	return []routeRegistrar{
		wallet.NewHandler(a.wallets),
		risk.NewHandler(a.risk),
		killswitch.NewHandler(a.kill, a.killRuntime, a.recorder),
		earnings.NewHandler(a.earnings),
		payout.NewHandler(a.payouts, stuckAfter),
		refund.NewHandler(a.refunds),
		chargeback.NewHandler(a.chargebacks),
		reconciliation.NewHandler(a.reconciliation, a.sweeper),
	}
}
