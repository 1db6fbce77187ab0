// Package scheduling runs periodic background jobs on a gocron scheduler.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/clinic/pharmacy/internal/domain/stock"
	"github.com/clinic/pharmacy/internal/platform/telemetry"
)

// AdvisorySource produces a stock advisory. *stock.Service satisfies it.
type AdvisorySource interface {
	Advisory(ctx context.Context, lowThreshold int, window time.Duration, now time.Time) (*stock.Advisory, error)
}

// ScopeFunc prepares the context a job runs under, for example by pinning a
// database connection to a clinic schema. The returned func releases it.
type ScopeFunc func(ctx context.Context) (context.Context, func(), error)

type AdvisoryConfig struct {
	ClinicID          string
	Interval          time.Duration
	LowStockThreshold int
	ExpiryWindow      time.Duration
}

// Scheduler wraps a gocron scheduler with the jobs this service runs.
type Scheduler struct {
	cron    *gocron.Scheduler
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(logger zerolog.Logger, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// AddAdvisory schedules the stock advisory report for one clinic. The first
// run happens as soon as the scheduler starts.
func (s *Scheduler) AddAdvisory(src AdvisorySource, scope ScopeFunc, cfg AdvisoryConfig) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("advisory interval must be positive, got %s", cfg.Interval)
	}
	_, err := s.cron.Every(cfg.Interval).Tag("advisory", cfg.ClinicID).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.RunAdvisory(ctx, src, scope, cfg); err != nil {
			s.logger.Error().Err(err).Str("clinic_id", cfg.ClinicID).Msg("stock advisory failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule advisory for %s: %w", cfg.ClinicID, err)
	}
	return nil
}

// RunAdvisory builds one advisory and logs every flagged item.
func (s *Scheduler) RunAdvisory(ctx context.Context, src AdvisorySource, scope ScopeFunc, cfg AdvisoryConfig) (*stock.Advisory, error) {
	if scope != nil {
		scoped, release, err := scope(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		ctx = scoped
	}

	adv, err := src.Advisory(ctx, cfg.LowStockThreshold, cfg.ExpiryWindow, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("build advisory: %w", err)
	}

	log := s.logger.With().Str("clinic_id", cfg.ClinicID).Logger()
	for _, it := range adv.LowStock {
		log.Warn().Str("key", it.Key).Str("item", it.DisplayName()).
			Int("quantity_on_hand", it.QuantityOnHand).Msg("low stock")
	}
	for _, it := range adv.Expired {
		log.Warn().Str("key", it.Key).Str("item", it.DisplayName()).
			Time("expiry", *it.Expiry).Msg("expired stock on hand")
	}
	for _, it := range adv.ExpiringSoon {
		log.Info().Str("key", it.Key).Str("item", it.DisplayName()).
			Time("expiry", *it.Expiry).Msg("stock expiring soon")
	}
	log.Info().
		Int("low_stock", len(adv.LowStock)).
		Int("expired", len(adv.Expired)).
		Int("expiring_soon", len(adv.ExpiringSoon)).
		Msg("stock advisory complete")

	s.metrics.Advisory(len(adv.LowStock), len(adv.Expired), len(adv.ExpiringSoon))
	return adv, nil
}

// SessionSweeper drops dispensation sessions idle for longer than maxIdle.
// *dispensing.Store satisfies it.
type SessionSweeper interface {
	Sweep(maxIdle time.Duration) int
}

// AddSessionSweep periodically discards dispensation sessions left open at a
// terminal so their visits can be dispensed again.
func (s *Scheduler) AddSessionSweep(sweeper SessionSweeper, interval, maxIdle time.Duration) error {
	if interval <= 0 || maxIdle <= 0 {
		return fmt.Errorf("session sweep interval and idle limit must be positive")
	}
	_, err := s.cron.Every(interval).Tag("session-sweep").Do(func() {
		s.SweepSessions(sweeper, maxIdle)
	})
	if err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	return nil
}

func (s *Scheduler) SweepSessions(sweeper SessionSweeper, maxIdle time.Duration) int {
	n := sweeper.Sweep(maxIdle)
	if n > 0 {
		s.logger.Info().Int("sessions", n).Dur("max_idle", maxIdle).Msg("expired idle dispensation sessions")
	}
	return n
}

func (s *Scheduler) Start() {
	s.cron.StartAsync()
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Jobs())
}
