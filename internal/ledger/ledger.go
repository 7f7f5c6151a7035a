// Package ledger provides atomic credit balance management using Redis
// and PostgreSQL.
//
// Every credit that moves through the system flows through this package.
// The ledger maintains two synchronized data stores:
//
// 1. Redis - hot counters for sub-millisecond checks and atomic holds
// 2. PostgreSQL - durable source of truth with a complete audit trail
//
// Redis is FAST but VOLATILE; PostgreSQL is DURABLE but slower. The hot
// path (reserve, commit, release, balance reads) runs entirely against
// Redis Lua scripts, and durability writes are queued to background
// workers with retries. If the two ever disagree, Redis is rebuilt from
// PostgreSQL — staleness is tolerated only in the safe direction, where
// Redis shows fewer available credits than reality.
//
// Two counters exist per account: the balance and the reserved total.
// Available credits are balance minus reserved. A reservation increments
// reserved; committing it decrements both counters; releasing it
// decrements only reserved. The sum (balance - reserved) is therefore
// conserved across reserve/release pairs regardless of interleaving.
//
// Race condition prevention: the check-and-hold runs as a single Lua
// script, so two concurrent reservations against one account are
// serialized by Redis and can never both pass the availability check
// when only one amount's worth of credits exists.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/palettelabs/credits/internal/metrics"
)

// State is the lifecycle position of a reservation. Pending holds are
// the only ones that can still move; committed and released are
// terminal.
type State string

const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

// Reservation is one hold against an account's available credits.
type Reservation struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Amount     int64      `json:"amount"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Balance is a point-in-time read of one account's counters.
type Balance struct {
	Balance   int64 `json:"balance"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// FinalizeResult reports what a commit or release actually did.
// AlreadyTerminal marks the idempotent replay case: the reservation was
// finalized before this call and nothing moved.
type FinalizeResult struct {
	State           State
	AlreadyTerminal bool
}

// Pending holds expire out of Redis after this long as a last-resort
// bound; the reconciler releases them far earlier. Terminal hashes are
// kept around so replayed finalize calls stay cheap no-ops.
const (
	pendingTTLSeconds  = 7 * 24 * 3600
	terminalTTLSeconds = 24 * 3600
)

// Ledger manages all balance operations across Redis and the durable
// store.
//
// Thread safety: all methods are safe for concurrent use.
//
// Lifecycle: create once at startup with NewLedger, share across the
// process, call Close during graceful shutdown.
type Ledger struct {
	redis *redis.Client
	store Store
	log   zerolog.Logger

	// Lua scripts compiled once at initialization.
	reserveScript  *redis.Script
	finalizeScript *redis.Script

	// Async write queue for durable-store operations, so the hot path
	// never blocks on PostgreSQL.
	writeQueue chan writeOp
	wg         sync.WaitGroup

	closeOnce sync.Once
}

type writeOp struct {
	kind        string // "create" or "finalize"
	reservation Reservation
	state       State
	resolvedAt  time.Time
}

// Redis key layout. Exported helpers because the reconciler warms the
// same keys when rebuilding Redis from the durable store.

// BalanceKey is the account's balance counter.
func BalanceKey(userID string) string { return "account:balance:" + userID }

// ReservedKey is the account's total of open holds.
func ReservedKey(userID string) string { return "account:reserved:" + userID }

// ReservationKey is the per-reservation state hash.
func ReservationKey(id string) string { return "reservation:" + id }

// NewLedger builds a ledger on an already-connected Redis client and
// durable store, compiles the Lua scripts, and starts the async write
// workers. Connections are injected so tests can run against miniredis
// and a fake store.
func NewLedger(rdb *redis.Client, store Store, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		redis:      rdb,
		store:      store,
		log:        logger,
		writeQueue: make(chan writeOp, 10000),
	}
	l.loadScripts()

	const numWorkers = 10
	l.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go l.writeWorker(i)
	}
	return l
}

func (l *Ledger) loadScripts() {
	// Atomic check-and-hold. Returns {approved, availableOrShortfall,
	// code}: on approval the second value is the remaining available
	// balance, on rejection it is the exact shortfall.
	l.reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local amount = tonumber(ARGV[1])
local available = balance - reserved
if redis.call('EXISTS', KEYS[3]) == 1 then
    return {0, 0, 'RESERVATION_EXISTS'}
end
if available < amount then
    return {0, amount - available, 'INSUFFICIENT'}
end
redis.call('INCRBY', KEYS[2], amount)
redis.call('HSET', KEYS[3],
    'user_id', ARGV[2],
    'amount', ARGV[1],
    'state', 'pending',
    'created_at', ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[4])
return {1, available - amount, ''}
`)

	// Terminalize a hold. ARGV[1] is 'committed' or 'released'. Returns
	// {status, code}: status 1 finalized now, 2 already terminal (code
	// carries the earlier state), 0 not found in Redis.
	l.finalizeScript = redis.NewScript(`
local data = redis.call('HGETALL', KEYS[3])
if #data == 0 then
    return {0, 'NOT_FOUND'}
end
local r = {}
for i = 1, #data, 2 do
    r[data[i]] = data[i + 1]
end
if r['state'] ~= 'pending' then
    return {2, r['state']}
end
local amount = tonumber(r['amount'] or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
if reserved >= amount then
    redis.call('DECRBY', KEYS[2], amount)
else
    redis.call('SET', KEYS[2], '0')
    redis.call('HSET', KEYS[3], 'integrity_issue', 'reservation_underflow')
end
if ARGV[1] == 'committed' then
    local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
    if balance >= amount then
        redis.call('DECRBY', KEYS[1], amount)
    else
        redis.call('SET', KEYS[1], '0')
        redis.call('HSET', KEYS[3], 'integrity_issue', 'balance_underflow')
    end
end
redis.call('HSET', KEYS[3], 'state', ARGV[1], 'resolved_at', ARGV[2])
redis.call('EXPIRE', KEYS[3], ARGV[3])
return {1, ''}
`)
}

// Reserve atomically checks available >= amount and places a Pending
// hold. On approval the reservation id is the caller's token for the
// eventual commit or release. On a short balance the returned error is
// an *InsufficientCreditsError carrying the exact deficit.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidAmount)
	}

	start := time.Now()
	r := Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}

	keys := []string{BalanceKey(userID), ReservedKey(userID), ReservationKey(r.ID)}
	args := []interface{}{amount, userID, r.CreatedAt.Unix(), pendingTTLSeconds}

	result, err := l.reserveScript.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		l.log.Error().Err(err).
			Str("user_id", userID).
			Str("reservation_id", r.ID).
			Msg("reserve script failed")
		return nil, wrapRedisErr(err)
	}

	approved, second, code := parseTriple(result)
	if !approved {
		if code == "INSUFFICIENT" {
			l.log.Debug().
				Str("user_id", userID).
				Int64("amount", amount).
				Int64("shortfall", second).
				Msg("reservation rejected")
			return nil, &InsufficientCreditsError{Shortfall: second}
		}
		return nil, fmt.Errorf("reserve rejected: %s", code)
	}

	l.log.Debug().
		Str("user_id", userID).
		Str("reservation_id", r.ID).
		Int64("amount", amount).
		Int64("available", second).
		Dur("duration", time.Since(start)).
		Msg("reservation created")

	l.enqueue(writeOp{kind: "create", reservation: r})
	return &r, nil
}

// Commit terminalizes a Pending reservation as spent: the held credits
// leave the account for good. Safe to retry; a replay reports
// AlreadyTerminal and moves nothing.
func (l *Ledger) Commit(ctx context.Context, reservationID string) (FinalizeResult, error) {
	return l.finalize(ctx, reservationID, StateCommitted)
}

// Release terminalizes a Pending reservation as cancelled: the held
// credits return to the available balance. Safe to retry.
func (l *Ledger) Release(ctx context.Context, reservationID string) (FinalizeResult, error) {
	return l.finalize(ctx, reservationID, StateReleased)
}

func (l *Ledger) finalize(ctx context.Context, id string, target State) (FinalizeResult, error) {
	res, err := l.finalizeOnce(ctx, id, target)
	if err == nil || !errors.Is(err, errNotInRedis) {
		return res, err
	}

	// Redis has no trace of the hold, so consult the source of truth.
	// This covers a Redis restart between reserve and finalize.
	stored, err := l.store.GetReservation(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	if stored.State != StatePending {
		return FinalizeResult{State: stored.State, AlreadyTerminal: true}, nil
	}

	// Restore the hold into Redis, then finalize it normally so the
	// counters move through the same script as the common path.
	if err := l.restoreHold(ctx, *stored); err != nil {
		return FinalizeResult{}, err
	}
	res, err = l.finalizeOnce(ctx, id, target)
	if errors.Is(err, errNotInRedis) {
		return FinalizeResult{}, fmt.Errorf("reservation %s vanished during restore", id)
	}
	return res, err
}

// errNotInRedis is internal plumbing between finalizeOnce and the store
// fallback; it never escapes the package.
var errNotInRedis = errors.New("reservation not in redis")

func (l *Ledger) finalizeOnce(ctx context.Context, id string, target State) (FinalizeResult, error) {
	// The account keys are derived from the stored hash, but Lua needs
	// them declared up front, so read the owner first.
	userID, err := l.redis.HGet(ctx, ReservationKey(id), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return FinalizeResult{}, errNotInRedis
	}
	if err != nil {
		return FinalizeResult{}, wrapRedisErr(err)
	}

	resolvedAt := time.Now().UTC()
	keys := []string{BalanceKey(userID), ReservedKey(userID), ReservationKey(id)}
	args := []interface{}{string(target), resolvedAt.Unix(), terminalTTLSeconds}

	result, err := l.finalizeScript.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		l.log.Error().Err(err).
			Str("reservation_id", id).
			Str("target_state", string(target)).
			Msg("finalize script failed")
		return FinalizeResult{}, wrapRedisErr(err)
	}

	arr := result.([]interface{})
	status := arr[0].(int64)
	code, _ := arr[1].(string)

	switch status {
	case 1:
		l.log.Info().
			Str("reservation_id", id).
			Str("user_id", userID).
			Str("state", string(target)).
			Msg("reservation finalized")
		l.enqueue(writeOp{kind: "finalize", reservation: Reservation{ID: id}, state: target, resolvedAt: resolvedAt})
		return FinalizeResult{State: target}, nil
	case 2:
		prior := State(code)
		// Replaying the same finalize is a benign retry. The opposite
		// target losing the race to a terminal state means the caller
		// issued both a commit and a release for one reservation.
		if prior != target {
			l.log.Warn().
				Str("reservation_id", id).
				Str("user_id", userID).
				Str("target_state", string(target)).
				Str("terminal_state", string(prior)).
				Msg("finalize anomaly: reservation already terminal in the opposite state")
			metrics.FinalizeAnomalies.Inc()
		}
		return FinalizeResult{State: prior, AlreadyTerminal: true}, nil
	default:
		return FinalizeResult{}, errNotInRedis
	}
}

// restoreHold rebuilds a pending reservation's Redis state from the
// durable record: the state hash plus its share of the reserved
// counter.
func (l *Ledger) restoreHold(ctx context.Context, r Reservation) error {
	pipe := l.redis.TxPipeline()
	pipe.HSet(ctx, ReservationKey(r.ID),
		"user_id", r.UserID,
		"amount", r.Amount,
		"state", string(StatePending),
		"created_at", r.CreatedAt.Unix())
	pipe.Expire(ctx, ReservationKey(r.ID), pendingTTLSeconds*time.Second)
	pipe.IncrBy(ctx, ReservedKey(r.UserID), r.Amount)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err)
	}
	l.log.Warn().
		Str("reservation_id", r.ID).
		Str("user_id", r.UserID).
		Msg("restored pending hold into redis from durable store")
	return nil
}

// GetBalance returns the account's counters without side effects. A
// single pipelined round trip keeps this cheap enough for UI polling.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (Balance, error) {
	pipe := l.redis.Pipeline()
	balanceCmd := pipe.Get(ctx, BalanceKey(userID))
	reservedCmd := pipe.Get(ctx, ReservedKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Balance{}, wrapRedisErr(err)
	}

	balance, _ := balanceCmd.Int64()
	reserved, _ := reservedCmd.Int64()
	return Balance{
		Balance:   balance,
		Reserved:  reserved,
		Available: balance - reserved,
	}, nil
}

// GetAvailableBalance is the UI-facing read: credits the account can
// still spend right now.
func (l *Ledger) GetAvailableBalance(ctx context.Context, userID string) (int64, error) {
	b, err := l.GetBalance(ctx, userID)
	return b.Available, err
}

// Grant credits an account. Unlike the hot-path writes this goes to the
// durable store synchronously; grants are rare, operator-driven, and
// must not be lost to a queue drop.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if _, err := l.store.Grant(ctx, userID, amount, reason); err != nil {
		return 0, err
	}
	newBalance, err := l.redis.IncrBy(ctx, BalanceKey(userID), amount).Result()
	if err != nil {
		// The durable credit landed; Redis will catch up on the next
		// sync pass. Surface the durable result.
		l.log.Error().Err(err).Str("user_id", userID).Msg("redis grant increment failed")
		return 0, wrapRedisErr(err)
	}
	l.log.Info().
		Str("user_id", userID).
		Int64("amount", amount).
		Str("reason", reason).
		Int64("balance", newBalance).
		Msg("credits granted")
	return newBalance, nil
}

// enqueueTimeout bounds how long the hot path blocks when the write
// queue is saturated. A lost create or finalize desyncs the durable
// store, so backpressure is preferred over dropping.
const enqueueTimeout = 2 * time.Second

func (l *Ledger) enqueue(op writeOp) {
	select {
	case l.writeQueue <- op:
		return
	default:
	}
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case l.writeQueue <- op:
	case <-timer.C:
		// The reservation hash survives in Redis for hours, so the
		// reconciler's durable-repair scan re-inserts the row later.
		l.log.Error().
			Str("kind", op.kind).
			Str("reservation_id", op.reservation.ID).
			Msg("write queue saturated past timeout, durable write deferred to reconciler")
	}
}

// writeWorker drains the durable-write queue with retries and
// exponential backoff.
func (l *Ledger) writeWorker(workerID int) {
	defer l.wg.Done()
	logger := l.log.With().Int("worker_id", workerID).Logger()

	for op := range l.writeQueue {
		const maxRetries = 5
		backoff := 100 * time.Millisecond

		for attempt := 1; attempt <= maxRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			var err error
			switch op.kind {
			case "create":
				err = l.store.CreateReservation(ctx, op.reservation)
			case "finalize":
				err = l.store.FinalizeReservation(ctx, op.reservation.ID, op.state, op.resolvedAt)
			}
			cancel()

			if err == nil {
				break
			}
			if attempt < maxRetries {
				logger.Warn().Err(err).
					Int("attempt", attempt).
					Str("kind", op.kind).
					Msg("durable write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				// The reservation hash stays in Redis, so the
				// reconciler's repair scan re-creates the row.
				logger.Error().Err(err).
					Str("kind", op.kind).
					Str("reservation_id", op.reservation.ID).
					Msg("durable write failed after all retries")
			}
		}
	}
}

// Close stops accepting writes and drains the queue.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		l.log.Info().Msg("shutting down ledger")
		close(l.writeQueue)
		l.wg.Wait()
		l.log.Info().Msg("ledger shutdown complete")
	})
}

func parseTriple(result interface{}) (ok bool, n int64, code string) {
	arr := result.([]interface{})
	ok = arr[0].(int64) == 1
	n = arr[1].(int64)
	code, _ = arr[2].(string)
	return ok, n, code
}

func wrapRedisErr(err error) error {
	// Client-side read/write timeouts surface as net.Error, not
	// context.DeadlineExceeded.
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
