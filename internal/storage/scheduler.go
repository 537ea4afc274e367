package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BackupScheduler runs periodic backups until its context is
// cancelled.
type BackupScheduler struct {
	manager  *BackupManager
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	lastBackup time.Time
	lastError  error
	successes  int
	failures   int
}

// NewBackupScheduler creates a scheduler around a backup manager.
func NewBackupScheduler(manager *BackupManager, interval time.Duration, logger *slog.Logger) *BackupScheduler {
	return &BackupScheduler{
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks, taking a backup every interval, until ctx is cancelled.
// The first backup happens after one full interval; callers wanting an
// immediate snapshot take one before starting the scheduler.
func (s *BackupScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *BackupScheduler) runOnce(ctx context.Context) {
	path, err := s.manager.Backup(ctx)

	s.mu.Lock()
	s.lastBackup = time.Now()
	s.lastError = err
	if err != nil {
		s.failures++
	} else {
		s.successes++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
		return
	}
	s.logger.Info("scheduled backup complete", "path", path)
}

// SchedulerStatus is a snapshot of the scheduler's counters.
type SchedulerStatus struct {
	Interval   time.Duration
	LastBackup time.Time
	LastError  error
	Successes  int
	Failures   int
}

// Status returns the current counters.
func (s *BackupScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Interval:   s.interval,
		LastBackup: s.lastBackup,
		LastError:  s.lastError,
		Successes:  s.successes,
		Failures:   s.failures,
	}
}
