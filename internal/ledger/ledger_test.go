package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palettelabs/credits/internal/metrics"
)

// fakeStore is an in-memory Store so ledger tests exercise the Redis
// hot path without PostgreSQL.
type fakeStore struct {
	mu           sync.Mutex
	reservations map[string]Reservation
	balances     map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reservations: make(map[string]Reservation),
		balances:     make(map[string]int64),
	}
}

func (s *fakeStore) CreateReservation(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; !ok {
		s.reservations[r.ID] = r
	}
	return nil
}

func (s *fakeStore) FinalizeReservation(_ context.Context, id string, state State, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.State != StatePending {
		return nil
	}
	r.State = state
	r.ResolvedAt = &resolvedAt
	s.reservations[id] = r
	if state == StateCommitted {
		s.balances[r.UserID] -= r.Amount
	}
	return nil
}

func (s *fakeStore) GetReservation(_ context.Context, id string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (s *fakeStore) Grant(_ context.Context, userID string, amount int64, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	return s.balances[userID], nil
}

func (s *fakeStore) AccountBalances(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) AccountBalance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return b, nil
}

func (s *fakeStore) AccountBalancesUpdatedSince(ctx context.Context, _ time.Time) (map[string]int64, error) {
	return s.AccountBalances(ctx)
}

func (s *fakeStore) PendingReservations(_ context.Context) ([]Reservation, error) {
	return s.pendingBefore(time.Now().Add(time.Hour))
}

func (s *fakeStore) PendingOlderThan(_ context.Context, cutoff time.Time) ([]Reservation, error) {
	return s.pendingBefore(cutoff)
}

func (s *fakeStore) pendingBefore(cutoff time.Time) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.State == StatePending && !r.CreatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) storedState(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	return r.State, ok
}

func newTestLedger(t *testing.T) (*Ledger, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := newFakeStore()
	l := NewLedger(client, store, zerolog.Nop())
	t.Cleanup(l.Close)
	return l, store, mr
}

func setBalance(t *testing.T, l *Ledger, userID string, amount int64) {
	t.Helper()
	require.NoError(t, l.redis.Set(context.Background(), BalanceKey(userID), amount, 0).Err())
}

func TestReserveReleaseCycle(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	setBalance(t, l, "u1", 500)

	r1, err := l.Reserve(ctx, "u1", 300)
	require.NoError(t, err)
	assert.Equal(t, StatePending, r1.State)

	available, err := l.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), available)

	// A second hold for the same amount must fail with the exact
	// deficit.
	_, err = l.Reserve(ctx, "u1", 300)
	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(100), insufficient.Shortfall)

	res, err := l.Release(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, res.State)
	assert.False(t, res.AlreadyTerminal)

	available, err = l.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), available)

	_, err = l.Reserve(ctx, "u1", 300)
	require.NoError(t, err)
}

func TestCommitDebitsBalance(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()
	setBalance(t, l, "u1", 500)

	r, err := l.Reserve(ctx, "u1", 300)
	require.NoError(t, err)

	res, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.False(t, res.AlreadyTerminal)

	b, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Balance)
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, int64(200), b.Available)

	// The finalization reaches the durable store asynchronously.
	require.Eventually(t, func() bool {
		state, ok := store.storedState(r.ID)
		return ok && state == StateCommitted
	}, time.Second, 10*time.Millisecond)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	setBalance(t, l, "u1", 500)

	r, err := l.Reserve(ctx, "u1", 300)
	require.NoError(t, err)

	first, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyTerminal)

	// Replayed commit: no error, no movement.
	again, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyTerminal)
	assert.Equal(t, StateCommitted, again.State)

	// A late release after commit is equally a no-op, reporting the
	// state that actually won.
	late, err := l.Release(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, late.AlreadyTerminal)
	assert.Equal(t, StateCommitted, late.State)

	b, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Balance)
	assert.Equal(t, int64(0), b.Reserved)
}

func TestCommitAfterReleaseLogsAnomaly(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var logBuf bytes.Buffer
	l := NewLedger(client, newFakeStore(), zerolog.New(&logBuf))
	t.Cleanup(l.Close)
	ctx := context.Background()
	setBalance(t, l, "u1", 500)

	r, err := l.Reserve(ctx, "u1", 300)
	require.NoError(t, err)
	_, err = l.Release(ctx, r.ID)
	require.NoError(t, err)

	// Committing a released reservation is a caller bug: still an
	// idempotent no-op, but flagged.
	anomaliesBefore := testutil.ToFloat64(metrics.FinalizeAnomalies)
	res, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.Equal(t, StateReleased, res.State)
	assert.Contains(t, logBuf.String(), "finalize anomaly")
	assert.Contains(t, logBuf.String(), r.ID)
	assert.Equal(t, anomaliesBefore+1, testutil.ToFloat64(metrics.FinalizeAnomalies))

	// Replaying the state that won stays quiet.
	logBuf.Reset()
	res, err = l.Release(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.NotContains(t, logBuf.String(), "finalize anomaly")
	assert.Equal(t, anomaliesBefore+1, testutil.ToFloat64(metrics.FinalizeAnomalies))
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestWrapRedisErrMapsTimeouts(t *testing.T) {
	assert.ErrorIs(t, wrapRedisErr(context.DeadlineExceeded), ErrTimeout)

	// Client-side read/write timeouts arrive as net.Error, possibly
	// wrapped by the redis client.
	assert.ErrorIs(t, wrapRedisErr(timeoutNetErr{}), ErrTimeout)
	assert.ErrorIs(t, wrapRedisErr(fmt.Errorf("dial tcp: %w", timeoutNetErr{})), ErrTimeout)

	assert.NotErrorIs(t, wrapRedisErr(errors.New("connection refused")), ErrTimeout)
}

func TestReservationNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Commit(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrReservationNotFound)

	_, err = l.Release(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestReserveRejectsBadAmounts(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "u1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Reserve(ctx, "u1", -40)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentReservesCannotDoubleSpend(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	setBalance(t, l, "u1", 300)

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "u1", 300)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			var insufficient *InsufficientCreditsError
			require.ErrorAs(t, err, &insufficient)
			assert.Equal(t, int64(300), insufficient.Shortfall)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent hold may win")
}

func TestFinalizeFallsBackToStoreAfterRedisLoss(t *testing.T) {
	l, store, mr := newTestLedger(t)
	ctx := context.Background()
	setBalance(t, l, "u1", 500)

	r, err := l.Reserve(ctx, "u1", 300)
	require.NoError(t, err)

	// Wait for the async create to land in the durable store, then
	// simulate a Redis restart.
	require.Eventually(t, func() bool {
		_, ok := store.storedState(r.ID)
		return ok
	}, time.Second, 10*time.Millisecond)
	mr.FlushAll()
	setBalance(t, l, "u1", 500)

	res, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)

	b, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Balance)
	assert.Equal(t, int64(0), b.Reserved)
}

func TestGrantCreditsAccount(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	balance, err := l.Grant(ctx, "u1", 1000, "signup bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	available, err := l.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), available)

	durable, err := store.AccountBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), durable["u1"])

	_, err = l.Grant(ctx, "u1", 0, "nothing")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConservationAcrossInterleavings(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	setBalance(t, l, "u1", 1000)

	// Reserve and release in every order; available credits must come
	// back to the starting figure.
	var held []string
	for _, amount := range []int64{100, 250, 400} {
		r, err := l.Reserve(ctx, "u1", amount)
		require.NoError(t, err)
		held = append(held, r.ID)
	}

	available, err := l.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), available)

	for _, id := range []string{held[1], held[2], held[0]} {
		_, err := l.Release(ctx, id)
		require.NoError(t, err)
	}

	b, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Balance)
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, int64(1000), b.Available)
}
