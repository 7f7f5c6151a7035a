// Package reconciler keeps the two halves of the ledger honest. The
// Syncer rebuilds and drift-corrects the Redis counters from the
// durable store; the Sweeper releases pending holds whose owner never
// came back to finalize them.
//
// PostgreSQL is the source of truth. If Redis and PostgreSQL disagree,
// Redis is corrected to match. A Redis balance that is too high lets an
// account overspend; one that is too low rejects spends it could
// afford. Both are bugs this package exists to repair. The one
// exception runs the other way: a reservation row lost to write-queue
// saturation exists only in Redis, so the durable repair scan
// re-creates it there before any balance is overwritten.
package reconciler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/palettelabs/credits/internal/ledger"
	"github.com/palettelabs/credits/internal/metrics"
)

// Syncer mirrors durable balances into Redis.
type Syncer struct {
	redis *redis.Client
	store ledger.Store
	log   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSyncer builds a syncer over an already-connected Redis client and
// store.
func NewSyncer(rdb *redis.Client, store ledger.Store, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		store:  store,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// WarmRedis performs the full cold-start sync: every account's balance,
// a zeroed reserved counter, and then the open holds re-applied on top.
// Must run before the process accepts requests; without it Redis is
// empty and every reservation would be rejected.
func (s *Syncer) WarmRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis warm from durable store")

	balances, err := s.store.AccountBalances(ctx)
	if err != nil {
		return err
	}

	pipe := s.redis.Pipeline()
	count := 0
	for userID, balance := range balances {
		pipe.Set(ctx, ledger.BalanceKey(userID), balance, 0)
		pipe.Set(ctx, ledger.ReservedKey(userID), 0, 0)
		count++
		// Batch to keep pipeline payloads bounded.
		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			pipe = s.redis.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	// Re-apply open holds so available balances reflect in-flight work
	// that survived the restart.
	pending, err := s.store.PendingReservations(ctx)
	if err != nil {
		return err
	}
	pipe = s.redis.Pipeline()
	for _, r := range pending {
		pipe.HSet(ctx, ledger.ReservationKey(r.ID),
			"user_id", r.UserID,
			"amount", r.Amount,
			"state", string(ledger.StatePending),
			"created_at", r.CreatedAt.Unix())
		pipe.IncrBy(ctx, ledger.ReservedKey(r.UserID), r.Amount)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.log.Info().
		Int("accounts", count).
		Int("open_holds", len(pending)).
		Dur("duration", time.Since(start)).
		Msg("redis warm complete")
	return nil
}

// StartPeriodicSync corrects balance drift on a timer: grants applied
// directly in the database, support adjustments, Redis evictions. Only
// accounts whose durable row changed since the previous pass are
// touched, and only the balance counter — reserved totals belong to
// live holds and are never overwritten here.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastPass := time.Now().Add(-interval)

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				passStart := time.Now()
				// Repair before syncing balances: a lost commit row
				// must land its debit before the balance overwrite,
				// or the sync would push the undebited figure into
				// Redis and refund spent credits.
				if _, err := s.RepairDurableReservations(ctx); err != nil {
					s.log.Error().Err(err).Msg("durable reservation repair failed")
				}
				if err := s.syncUpdatedSince(ctx, lastPass); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				} else {
					lastPass = passStart
				}
				cancel()
			case <-s.stopCh:
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

func (s *Syncer) syncUpdatedSince(ctx context.Context, since time.Time) error {
	balances, err := s.store.AccountBalancesUpdatedSince(ctx, since)
	if err != nil {
		return err
	}
	if len(balances) == 0 {
		return nil
	}

	pipe := s.redis.Pipeline()
	for userID, balance := range balances {
		pipe.Set(ctx, ledger.BalanceKey(userID), balance, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.log.Debug().Int("accounts", len(balances)).Msg("incremental sync complete")
	return nil
}

// SyncAccount overwrites one account's Redis balance from the durable
// store. Called when an integrity check flags the account.
func (s *Syncer) SyncAccount(ctx context.Context, userID string) error {
	balance, err := s.store.AccountBalance(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, ledger.BalanceKey(userID), balance, 0).Err(); err != nil {
		return err
	}
	s.log.Info().
		Str("user_id", userID).
		Int64("balance", balance).
		Msg("account balance synced")
	return nil
}

// VerifyIntegrity compares Redis balances against the durable store,
// repairing mismatches in place. Returns the number of discrepancies
// found. Accounts missing from Redis count as discrepancies.
func (s *Syncer) VerifyIntegrity(ctx context.Context) (int, error) {
	balances, err := s.store.AccountBalances(ctx)
	if err != nil {
		return 0, err
	}

	discrepancies := 0
	for userID, durable := range balances {
		cached, err := s.redis.Get(ctx, ledger.BalanceKey(userID)).Int64()
		if err == redis.Nil {
			s.log.Warn().Str("user_id", userID).Msg("account missing in redis")
			discrepancies++
			metrics.SyncDiscrepancies.Inc()
			if err := s.SyncAccount(ctx, userID); err != nil {
				s.log.Error().Err(err).Str("user_id", userID).Msg("account repair failed")
			}
			continue
		}
		if err != nil {
			return discrepancies, err
		}
		if cached != durable {
			s.log.Warn().
				Str("user_id", userID).
				Int64("redis_balance", cached).
				Int64("durable_balance", durable).
				Int64("difference", cached-durable).
				Msg("balance mismatch detected")
			discrepancies++
			metrics.SyncDiscrepancies.Inc()
			if err := s.SyncAccount(ctx, userID); err != nil {
				s.log.Error().Err(err).Str("user_id", userID).Msg("account repair failed")
			}
		}
	}
	return discrepancies, nil
}

// RepairDurableReservations scans the Redis reservation hashes and
// re-creates any rows the async write queue never landed in the
// durable store. This is the one sync that runs against the grain:
// Redis holds the only record of a reservation whose create or
// finalize write was dropped under queue saturation, and until the
// row exists a committed debit can never reach PostgreSQL. Terminal
// hashes are re-inserted and then finalized through the store so the
// commit debit and audit row land too. Returns the number of
// reservations repaired.
func (s *Syncer) RepairDurableReservations(ctx context.Context) (int, error) {
	prefix := ledger.ReservationKey("")
	repaired := 0

	iter := s.redis.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, prefix)

		_, err := s.store.GetReservation(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrReservationNotFound) {
			return repaired, err
		}

		fields, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return repaired, err
		}
		if len(fields) == 0 {
			// Expired between SCAN and HGETALL.
			continue
		}

		amount, _ := strconv.ParseInt(fields["amount"], 10, 64)
		createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
		r := ledger.Reservation{
			ID:        id,
			UserID:    fields["user_id"],
			Amount:    amount,
			State:     ledger.StatePending,
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		}
		if err := s.store.CreateReservation(ctx, r); err != nil {
			return repaired, err
		}

		if state := ledger.State(fields["state"]); state != ledger.StatePending {
			resolvedAt := time.Now().UTC()
			if unix, err := strconv.ParseInt(fields["resolved_at"], 10, 64); err == nil {
				resolvedAt = time.Unix(unix, 0).UTC()
			}
			if err := s.store.FinalizeReservation(ctx, id, state, resolvedAt); err != nil {
				return repaired, err
			}
		}

		repaired++
		metrics.SyncDiscrepancies.Inc()
		s.log.Warn().
			Str("reservation_id", id).
			Str("user_id", r.UserID).
			Str("state", fields["state"]).
			Msg("re-created reservation lost from the durable store")
	}
	if err := iter.Err(); err != nil {
		return repaired, err
	}
	return repaired, nil
}

// Stop halts the periodic sync goroutine.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
