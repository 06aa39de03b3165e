package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/payout"
	"github.com/mbd888/ridewallet/internal/reconciliation"
)

type countingJob struct {
	runs  atomic.Int32
	err   error
	panic bool
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	if j.panic {
		panic("boom")
	}
	return j.err
}

type denyLock struct{}

func (denyLock) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func TestRunNow(t *testing.T) {
	s := New(nil, logging.Discard())
	job := &countingJob{}
	s.RunNow(context.Background(), job)
	assert.EqualValues(t, 1, job.runs.Load())

	job.err = errors.New("gateway down")
	s.RunNow(context.Background(), job)
	assert.EqualValues(t, 2, job.runs.Load())
}

func TestRunNow_RecoversPanic(t *testing.T) {
	s := New(nil, logging.Discard())
	job := &countingJob{panic: true}
	assert.NotPanics(t, func() { s.RunNow(context.Background(), job) })
	assert.EqualValues(t, 1, job.runs.Load())
}

func TestRunNow_SkipsWhenLockHeld(t *testing.T) {
	s := New(denyLock{}, logging.Discard())
	job := &countingJob{}
	s.RunNow(context.Background(), job)
	assert.Zero(t, job.runs.Load())
}

func TestAdd(t *testing.T) {
	s := New(nil, logging.Discard())
	require.NoError(t, s.Add("@every 1h", &countingJob{}))
	require.NoError(t, s.Add("*/5 * * * *", &countingJob{}))
	assert.Error(t, s.Add("every tuesday", &countingJob{}))
	assert.Equal(t, 2, s.Entries())

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	fail error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewBoolResult(false, f.fail)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	lock := NewRedisLock(client)

	release, ok, err := lock.Acquire(ctx, "ledger-sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "ledger-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = lock.Acquire(ctx, "resolve-stuck-payouts", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = lock.Acquire(ctx, "ledger-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseKeepsForeignOwner(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	lock := NewRedisLock(client)

	release, ok, err := lock.Acquire(ctx, "ledger-sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The TTL expired and another instance took the key.
	client.data[LockKey("ledger-sweep")] = "other-instance"
	require.NoError(t, release(ctx))
	assert.Equal(t, "other-instance", client.data[LockKey("ledger-sweep")])
}

func TestRedisLock_Error(t *testing.T) {
	client := newFakeRedis()
	client.fail = errors.New("connection refused")
	s := New(NewRedisLock(client), logging.Discard())
	job := &countingJob{}
	s.RunNow(context.Background(), job)
	assert.Zero(t, job.runs.Load())
}

type stubResolver struct {
	report *payout.ResolveReport
	got    time.Duration
}

func (s *stubResolver) ResolveStuck(_ context.Context, olderThan time.Duration, _ int) (*payout.ResolveReport, error) {
	s.got = olderThan
	return s.report, nil
}

func TestStuckPayoutJob(t *testing.T) {
	r := &stubResolver{report: &payout.ResolveReport{Checked: 2, Paid: 1, Unresolved: 1}}
	job := &StuckPayoutJob{Payouts: r, OlderThan: 15 * time.Minute, Limit: 100, Logger: logging.Discard()}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 15*time.Minute, r.got)

	r.report = &payout.ResolveReport{Checked: 1, Errors: []string{"po_1: store unavailable"}}
	assert.Error(t, job.Run(context.Background()))
}

type stubSweeper struct{ report *reconciliation.SweepReport }

func (s stubSweeper) SweepLedger(context.Context) (*reconciliation.SweepReport, error) {
	return s.report, nil
}

func TestLedgerSweepJob(t *testing.T) {
	job := &LedgerSweepJob{Sweeper: stubSweeper{report: &reconciliation.SweepReport{WalletsChecked: 4}}}
	assert.NoError(t, job.Run(context.Background()))

	job.Sweeper = stubSweeper{report: &reconciliation.SweepReport{WalletsChecked: 4, OrphanedHolds: 1}}
	assert.Error(t, job.Run(context.Background()))
}
