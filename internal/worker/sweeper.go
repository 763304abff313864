package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// ErrSweepInProgress is returned by Sweep when another sweep, in this process or on another
// replica holding the lock, is still running.
var ErrSweepInProgress = errors.New("expiration sweep already in progress")

const sweepLockName = "expiration-sweep"

// Expirer finds and expires overdue pending orders.
type Expirer interface {
	ExpiredOrderIDs(ctx context.Context, limit int, exclude []int64) ([]int64, error)
	Expire(ctx context.Context, orderID int64) (bool, error)
}

// Locker is a lease shared by all replicas.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) (bool, error)
}

// SweeperConfig tunes an ExpirationSweeper.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Candidates int
	Expired    int
	Skipped    int
	Failed     int
}

// ExpirationSweeper periodically cancels pending orders whose hold deadline has passed.
type ExpirationSweeper struct {
	orders  Expirer
	locker  Locker
	cfg     SweeperConfig
	running atomic.Bool
	logger  *zap.Logger
}

// NewExpirationSweeper creates a sweeper. locker may be nil for a single replica.
func NewExpirationSweeper(orders Expirer, locker Locker, cfg SweeperConfig) *ExpirationSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &ExpirationSweeper{
		orders: orders,
		locker: locker,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Start sweeps once right away and then every interval until ctx is done.
func (s *ExpirationSweeper) Start(ctx context.Context) {
	s.logger.Info("Starting expiration sweeper",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.runPass(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Stopping expiration sweeper")
			return
		case <-ticker.C:
		}
	}
}

func (s *ExpirationSweeper) runPass(ctx context.Context) {
	_, err := s.Sweep(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		util.SweepSkippedTotal.Inc()
		s.logger.Debug("Previous sweep still running, skipping")
	case ctx.Err() != nil:
	default:
		s.logger.Error("Expiration sweep failed", zap.Error(err))
	}
}

// Sweep expires overdue orders in batches of BatchSize until none are left. An order that
// fails, or that turns out not to need expiring, is logged and excluded for the rest of the
// pass, so a run of failing orders cannot hide younger ones; failed orders are retried next
// pass. Each order is re-checked under its row lock, so a sweep racing a confirm or another
// sweeper never double-releases a hold.
func (s *ExpirationSweeper) Sweep(ctx context.Context) (result SweepResult, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return result, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		token, ok, lockErr := s.locker.AcquireLock(ctx, sweepLockName, s.cfg.LockTTL)
		switch {
		case lockErr != nil:
			s.logger.Warn("Sweep lock unavailable, sweeping without it", zap.Error(lockErr))
		case !ok:
			return result, ErrSweepInProgress
		default:
			defer s.releaseLock(token)
		}
	}

	ctx, span := util.StartSpan(ctx, "ExpirationSweeper.Sweep")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var passed []int64
	for {
		ids, err := s.orders.ExpiredOrderIDs(ctx, s.cfg.BatchSize, passed)
		if err != nil {
			return result, err
		}
		result.Candidates += len(ids)

		for _, id := range ids {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			expired, err := s.orders.Expire(ctx, id)
			switch {
			case err != nil:
				result.Failed++
				passed = append(passed, id)
				util.SweepOrdersTotal.WithLabelValues("failed").Inc()
				s.logger.Warn("Failed to expire order", zap.Int64("order_id", id), zap.Error(err))
			case expired:
				result.Expired++
				util.SweepOrdersTotal.WithLabelValues("expired").Inc()
			default:
				result.Skipped++
				passed = append(passed, id)
				util.SweepOrdersTotal.WithLabelValues("skipped").Inc()
			}
		}

		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	if result.Candidates == 0 {
		s.logger.Debug("Expiration sweep found nothing to expire")
	} else {
		s.logger.Info("Expiration sweep finished",
			zap.Int("candidates", result.Candidates),
			zap.Int("expired", result.Expired),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
			zap.Duration("took", time.Since(start)))
	}
	return result, nil
}

func (s *ExpirationSweeper) releaseLock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := s.locker.ReleaseLock(ctx, sweepLockName, token)
	if err != nil {
		s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		return
	}
	if !released {
		s.logger.Warn("Sweep lock expired before the sweep finished", zap.Duration("lock_ttl", s.cfg.LockTTL))
	}
}
