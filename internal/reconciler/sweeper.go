package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/palettelabs/credits/internal/ledger"
	"github.com/palettelabs/credits/internal/metrics"
)

// Releaser is the slice of the ledger the sweeper needs. Releasing
// through the ledger rather than writing counters directly keeps the
// sweep on the same idempotent path as a caller-initiated release.
type Releaser interface {
	Release(ctx context.Context, reservationID string) (ledger.FinalizeResult, error)
}

// pendingScanner finds holds the sweep should look at.
type pendingScanner interface {
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]ledger.Reservation, error)
}

// Sweeper releases pending reservations whose owner never finalized
// them: orchestrator crashes, lost provider calls, abandoned work. It
// is the backstop that guarantees no hold outlives its timeout, so a
// leaked reservation costs an account at most holdTimeout of locked
// credits.
type Sweeper struct {
	scanner     pendingScanner
	ledger      Releaser
	holdTimeout time.Duration
	interval    time.Duration
	log         zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper builds a sweeper. holdTimeout is how old a pending hold
// must be before it is presumed leaked; interval is how often the sweep
// runs.
func NewSweeper(scanner pendingScanner, led Releaser, holdTimeout, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		scanner:     scanner,
		ledger:      led,
		holdTimeout: holdTimeout,
		interval:    interval,
		log:         logger.With().Str("component", "sweeper").Logger(),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the sweep on a timer until Stop is called.
func (s *Sweeper) Start() {
	s.log.Info().
		Dur("hold_timeout", s.holdTimeout).
		Dur("interval", s.interval).
		Msg("starting reservation sweeper")

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if _, err := s.SweepOnce(ctx); err != nil {
					s.log.Error().Err(err).Msg("sweep failed")
				}
				cancel()
			case <-s.stopCh:
				s.log.Info().Msg("sweeper stopped")
				return
			}
		}
	}()
}

// SweepOnce releases every pending hold older than the timeout and
// returns how many actually moved. Holds another writer finalized
// between the scan and the release are skipped silently, which is what
// makes re-running a sweep a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.holdTimeout)
	stale, err := s.scanner.PendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	released := 0
	for _, r := range stale {
		res, err := s.ledger.Release(ctx, r.ID)
		if err != nil {
			// Log and continue; the next sweep retries whatever is
			// still pending.
			s.log.Error().Err(err).
				Str("reservation_id", r.ID).
				Str("user_id", r.UserID).
				Msg("stale hold release failed")
			continue
		}
		if res.AlreadyTerminal {
			continue
		}
		released++
		metrics.ReservationsSwept.Inc()
		s.log.Warn().
			Str("reservation_id", r.ID).
			Str("user_id", r.UserID).
			Int64("amount", r.Amount).
			Time("created_at", r.CreatedAt).
			Msg("auto-released stale hold")
	}

	s.log.Info().
		Int("scanned", len(stale)).
		Int("released", released).
		Msg("sweep complete")
	return released, nil
}

// Stop halts the sweep timer.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
