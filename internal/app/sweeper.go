/**
 * @description
 * Cron-driven housekeeping that bulk-expires stale pending sessions. Confirm
 * already expires stale sessions on its own, so the sweeper only keeps the
 * sessions table honest for lookups and reporting.
 */
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/mopatas/transaction-service/pkg/rabbitmq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSweepSchedule = "@every 1m"

// SessionSweeper manages the session expiry cron job.
type SessionSweeper struct {
	cron     *cron.Cron
	sessions *SessionRegistry
	producer rabbitmq.Publisher
	exchange string
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSessionSweeper creates a sweeper instance. It does nothing until Start.
func NewSessionSweeper(sessions *SessionRegistry, producer rabbitmq.Publisher, exchange, schedule string, logger *zap.Logger) *SessionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if exchange == "" {
		exchange = DefaultEventExchange
	}
	logger = logger.With(zap.String("component", "session_sweeper"))

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &SessionSweeper{
		cron:     c,
		sessions: sessions,
		producer: producer,
		exchange: exchange,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   logger,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *SessionSweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		s.logger.Error("failed to schedule session sweep job", zap.String("schedule", s.schedule), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled session sweep job", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *SessionSweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *SessionSweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("session sweep failed", zap.Error(err))
	}
}

// RunOnce expires stale sessions and announces how many were expired.
func (s *SessionSweeper) RunOnce(ctx context.Context) (int64, error) {
	count, cutoff, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	s.logger.Info("expired stale sessions", zap.Int64("count", count), zap.Time("cutoff", cutoff))
	event := domain.SessionsExpiredEvent{
		EventID:    uuid.NewString(),
		Count:      count,
		Cutoff:     cutoff,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.exchange, RoutingKeySessionsExpired, event); err != nil {
		s.logger.Warn("failed to publish expiry event", zap.Error(err))
	}
	return count, nil
}
