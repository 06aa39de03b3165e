package gateway

import (
	"context"
	"sync"

	"github.com/mbd888/ridewallet/internal/idgen"
)

// Response is a scripted answer for the next Fake call.
type Response struct {
	Result Result
	Err    error
	// Applied records the call as succeeded even though Err is returned,
	// which models a response lost after the processor moved the money.
	Applied bool
}

// Fake is an in-memory Gateway for development and tests. Calls are
// idempotent by key; scripted responses are consumed in order by
// non-replayed calls, and once the script is empty every call succeeds.
type Fake struct {
	mu            sync.Mutex
	disbursements map[string]Result
	refunds       map[string]Result
	script        []Response
	disburseCalls int
	refundCalls   int
	hook          func(ctx context.Context)
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		disbursements: make(map[string]Result),
		refunds:       make(map[string]Result),
	}
}

// Script appends responses for upcoming calls.
func (f *Fake) Script(rs ...Response) {
	f.mu.Lock()
	f.script = append(f.script, rs...)
	f.mu.Unlock()
}

// DeclineNext makes the next call fail definitively with reason.
func (f *Fake) DeclineNext(reason string) {
	f.Script(Response{Result: Result{Success: false, FailureReason: reason}})
}

// ErrorNext makes the next call return err without recording anything.
func (f *Fake) ErrorNext(err error) {
	f.Script(Response{Err: err})
}

// OnCall installs a hook that runs before every non-replayed call, without
// the fake's lock held. Tests use it to block or observe the caller's context.
func (f *Fake) OnCall(hook func(ctx context.Context)) {
	f.mu.Lock()
	f.hook = hook
	f.mu.Unlock()
}

// DisburseCalls returns the number of non-replayed Disburse calls.
func (f *Fake) DisburseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disburseCalls
}

// RefundCalls returns the number of non-replayed RefundExternally calls.
func (f *Fake) RefundCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refundCalls
}

func (f *Fake) Disburse(ctx context.Context, req DisburseRequest) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, ErrInvalidKey
	}
	return f.call(ctx, f.disbursements, req.IdempotencyKey, "fake_tr_", &f.disburseCalls)
}

func (f *Fake) RefundExternally(ctx context.Context, req RefundRequest) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, ErrInvalidKey
	}
	return f.call(ctx, f.refunds, req.IdempotencyKey, "fake_re_", &f.refundCalls)
}

func (f *Fake) LookupDisbursement(ctx context.Context, idempotencyKey string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.disbursements[idempotencyKey]
	if !ok {
		return Result{}, ErrNotFound
	}
	return res, nil
}

func (f *Fake) call(ctx context.Context, seen map[string]Result, key, refPrefix string, counter *int) (Result, error) {
	f.mu.Lock()
	if res, ok := seen[key]; ok {
		f.mu.Unlock()
		return res, nil
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := seen[key]; ok {
		return res, nil
	}
	*counter++

	resp := Response{Result: Result{Success: true}}
	if len(f.script) > 0 {
		resp = f.script[0]
		f.script = f.script[1:]
	}

	switch {
	case resp.Err != nil && resp.Applied:
		seen[key] = Result{Success: true, Reference: refPrefix + idgen.WithPrefix("")}
		return Result{}, resp.Err
	case resp.Err != nil:
		return Result{}, resp.Err
	}

	res := resp.Result
	if res.Success && res.Reference == "" {
		res.Reference = refPrefix + idgen.WithPrefix("")
	}
	seen[key] = res
	return res, nil
}
