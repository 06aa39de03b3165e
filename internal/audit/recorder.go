package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/retry"
)

var (
	auditWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "audit",
		Name:      "writes_total",
		Help:      "Audit entries written, by outcome of the audited operation.",
	}, []string{"outcome"})

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit entries that could not be persisted after retries. Alert on any increase.",
	})
)

func init() {
	prometheus.MustRegister(auditWrites, auditWriteFailures)
}

// writeTimeout bounds a single Record call, independent of the caller's context.
const writeTimeout = 5 * time.Second

// Recorder writes exactly one entry per audited operation. It never returns
// an error: failures are retried, then logged with alert=true and counted.
type Recorder struct {
	logger Logger
	log    *slog.Logger
	policy retry.Policy
}

// NewRecorder creates a recorder over the given audit logger.
func NewRecorder(logger Logger, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{logger: logger, log: log, policy: retry.Default}
}

// WithRetryPolicy overrides the retry policy used for audit writes.
func (r *Recorder) WithRetryPolicy(p retry.Policy) *Recorder {
	r.policy = p
	return r
}

// Success records a successful operation.
func (r *Recorder) Success(ctx context.Context, action Action, entity EntityType, entityID string, actor Actor, md Metadata) {
	r.record(ctx, &Entry{
		Action:            action,
		EntityType:        entity,
		EntityID:          entityID,
		PerformedByUserID: actor.UserID,
		PerformedByRole:   roleOf(actor),
		Outcome:           OutcomeSuccess,
		Metadata:          md.Clone(),
	})
}

// Failure records a failed operation together with its error code.
func (r *Recorder) Failure(ctx context.Context, action Action, entity EntityType, entityID string, actor Actor, cause error, md Metadata) {
	m := md.Clone()
	m[KeyErrorCode] = string(apperr.CodeOf(cause))
	if cause != nil {
		m[KeyError] = cause.Error()
	}
	r.record(ctx, &Entry{
		Action:            action,
		EntityType:        entity,
		EntityID:          entityID,
		PerformedByUserID: actor.UserID,
		PerformedByRole:   roleOf(actor),
		Outcome:           OutcomeFailed,
		Metadata:          m,
	})
}

// Query proxies to the underlying logger.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	return r.logger.Query(ctx, f)
}

func (r *Recorder) record(ctx context.Context, e *Entry) {
	// Detached: the money movement already happened, a client disconnect
	// must not drop its audit entry.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err := retry.Do(wctx, r.policy, func(ctx context.Context) error {
		return r.logger.Append(ctx, e)
	})
	if err != nil {
		auditWriteFailures.Inc()
		r.log.Error("audit write failed",
			"alert", true,
			"action", e.Action,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"outcome", e.Outcome,
			"metadata", e.Metadata,
			"error", err,
		)
		return
	}
	auditWrites.WithLabelValues(string(e.Outcome)).Inc()
}

func roleOf(a Actor) string {
	if a.Role != "" {
		return a.Role
	}
	if a.UserID == "" {
		return SystemRole
	}
	return "user"
}
