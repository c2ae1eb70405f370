// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ictaccess/internal/model"
	"ictaccess/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultJobTimeout = 4 * time.Minute

// Scheduler wraps a cron runner whose jobs never overlap with themselves.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger: logger,
	}
}

// AddCleanup registers job under schedule, a standard five-field cron spec.
func (s *Scheduler) AddCleanup(schedule string, job *CleanupJob) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), job.timeout())
		defer cancel()
		if _, err := job.Run(ctx); err != nil {
			s.logger.WithFields(logrus.Fields{
				"error":     err.Error(),
				"operation": "CleanupClosedRequests",
			}).Error("Retention cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	s.logger.WithFields(logrus.Fields{
		"schedule":  schedule,
		"retention": job.Retention.String(),
	}).Info("Retention cleanup scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// CleanupJob soft-deletes cancelled and rejected requests untouched for
// longer than Retention.
type CleanupJob struct {
	Tx        repository.TransactionManager
	Requests  repository.RequestRepository
	Audit     repository.AuditRepository
	Retention time.Duration
	Timeout   time.Duration
	Logger    *logrus.Logger

	now func() time.Time
}

func (j *CleanupJob) timeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return defaultJobTimeout
}

// Run performs one cleanup pass and returns the number of requests removed.
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	if j.Retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", j.Retention)
	}
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	cutoff := now().Add(-j.Retention)

	var removed int64
	err := j.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		n, err := j.Requests.SoftDeleteClosedBefore(txCtx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete closed requests: %w", err)
		}
		removed = n
		if n == 0 {
			return nil
		}
		details, _ := json.Marshal(map[string]interface{}{
			"cutoff":  cutoff.Format(time.RFC3339),
			"removed": n,
		})
		return j.Audit.Log(txCtx, &model.AuditLog{
			Action:     model.ActionCleanupRequests,
			EntityName: "access_requests",
			Details:    string(details),
		})
	})
	if err != nil {
		return 0, err
	}

	j.Logger.WithFields(logrus.Fields{
		"removed":   removed,
		"cutoff":    cutoff.Format(time.RFC3339),
		"operation": "CleanupClosedRequests",
	}).Info("Retention cleanup finished")
	return removed, nil
}
