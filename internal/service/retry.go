package service

import (
	"context"
	"math"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"dispatchd/internal/domain"
	"dispatchd/internal/metrics"
	"dispatchd/internal/redis"
	"dispatchd/internal/repository"
)

const retryLockPrefix = "retry:"

// RetryConfig tunes the RetryScheduler.
type RetryConfig struct {
	Interval        time.Duration
	GracePeriod     time.Duration
	MaxAttempts     int
	RadiusGrowth    float64
	MaxRadiusMeters float64
	BatchSize       int
	LockTTL         time.Duration
}

// EscalatedRadius widens initial by growth for every attempt already made,
// capped at maxRadius when it is positive.
func EscalatedRadius(initial float64, attempts int, growth, maxRadius float64) float64 {
	r := initial * (1 + growth*float64(attempts))
	if maxRadius > 0 {
		r = math.Min(r, maxRadius)
	}
	return r
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned      int
	Redispatched int
	Exhausted    int
	Skipped      int
	Busy         int
	Errors       int
}

// RetryScheduler re-dispatches requests parked without a match.
type RetryScheduler struct {
	cfg         RetryConfig
	coordinator *DispatchCoordinator
	requests    repository.RequestRepository
	locker      redis.Locker
	clock       clock.Clock
	log         zerolog.Logger
	metrics     *metrics.Metrics
	nrApp       *newrelic.Application
}

// NewRetryScheduler creates a RetryScheduler.
func NewRetryScheduler(
	cfg RetryConfig,
	coordinator *DispatchCoordinator,
	requests repository.RequestRepository,
	locker redis.Locker,
	clk clock.Clock,
	log zerolog.Logger,
	m *metrics.Metrics,
	nrApp *newrelic.Application,
) *RetryScheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &RetryScheduler{
		cfg:         cfg,
		coordinator: coordinator,
		requests:    requests,
		locker:      locker,
		clock:       clk,
		log:         log,
		metrics:     m,
		nrApp:       nrApp,
	}
}

// Run sweeps every interval until ctx is done. When the coordinator parks a
// request, an extra sweep is scheduled for when its grace period ends.
func (s *RetryScheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var grace clock.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweepAndLog(ctx)
		case <-s.coordinator.RetryReady():
			if graceC == nil {
				grace = s.clock.NewTimer(s.cfg.GracePeriod)
				graceC = grace.C()
			}
		case <-graceC:
			grace, graceC = nil, nil
			s.sweepAndLog(ctx)
		}
	}
}

func (s *RetryScheduler) sweepAndLog(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("retry sweep failed")
		return
	}
	if res.Scanned > 0 {
		s.log.Info().
			Int("scanned", res.Scanned).
			Int("redispatched", res.Redispatched).
			Int("exhausted", res.Exhausted).
			Int("skipped", res.Skipped).
			Int("busy", res.Busy).
			Int("errors", res.Errors).
			Msg("retry sweep finished")
	}
}

// Sweep handles one batch of requests whose grace period has passed.
func (s *RetryScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	txn := s.nrApp.StartTransaction("retry-sweep")
	defer txn.End()
	ctx = newrelic.NewContext(ctx, txn)

	cutoff := s.clock.Now().Add(-s.cfg.GracePeriod)
	due, err := s.requests.ListRetryEligible(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		txn.NoticeError(err)
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(due)}
	policy := EscalationPolicy{
		Cutoff:      cutoff,
		MaxAttempts: s.cfg.MaxAttempts,
		Radius:      s.radius,
	}

	for _, req := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.retryOne(ctx, req.ID, policy, &res)
	}
	return res, nil
}

func (s *RetryScheduler) retryOne(ctx context.Context, requestID string, policy EscalationPolicy, res *SweepResult) {
	key := retryLockPrefix + requestID
	ok, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		res.Errors++
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("retry lock failed")
		return
	}
	if !ok {
		res.Busy++
		s.metrics.Retry("busy")
		return
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn().Err(err).Str("request_id", requestID).Msg("retry lock release failed")
		}
	}()

	decision, outcome, err := s.coordinator.Escalate(ctx, requestID, policy)
	if err != nil {
		res.Errors++
		s.metrics.Retry("error")
		s.log.Error().Err(err).Str("request_id", requestID).Msg("retry failed")
		return
	}
	s.metrics.Retry(string(decision))

	switch decision {
	case EscalationRedispatched:
		res.Redispatched++
		s.log.Info().
			Str("request_id", requestID).
			Int("attempt", outcome.Attempt).
			Float64("radius_meters", outcome.RadiusMeters).
			Str("outcome", string(outcome.Status)).
			Msg("request redispatched")
	case EscalationExhausted:
		res.Exhausted++
	default:
		res.Skipped++
	}
}

func (s *RetryScheduler) radius(req *domain.Request) float64 {
	initial := s.coordinator.cfg.InitialRadius(req.Kind)
	return EscalatedRadius(initial, req.AttemptCount, s.cfg.RadiusGrowth, s.cfg.MaxRadiusMeters)
}
