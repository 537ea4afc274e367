// Package aggregate rolls per-game deck card facts into daily per-card
// statistics.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

// Summary reports one aggregation run.
type Summary struct {
	Dates    int
	StatRows int
	Duration time.Duration
}

// Aggregator computes daily card statistics from deck card facts.
type Aggregator struct {
	games  repository.GameRepository
	stats  repository.DailyStatsRepository
	joblog repository.ComputationLogRepository
	logger *slog.Logger

	progress rate.Sometimes
}

// NewAggregator creates a daily aggregator.
func NewAggregator(
	games repository.GameRepository,
	stats repository.DailyStatsRepository,
	joblog repository.ComputationLogRepository,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		games:    games,
		stats:    stats,
		joblog:   joblog,
		logger:   logger,
		progress: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// AggregateDate recomputes and replaces the stat rows for one date.
func (a *Aggregator) AggregateDate(ctx context.Context, date time.Time) (*Summary, error) {
	scope := date.Format("2006-01-02")
	entry, err := a.joblog.Start(ctx, "aggregate", scope)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := a.aggregateOne(ctx, date)
	if err != nil {
		if failErr := a.joblog.Fail(context.WithoutCancel(ctx), entry.ID, err.Error()); failErr != nil {
			a.logger.Error("failed to record job failure", "error", failErr)
		}
		return nil, err
	}

	summary := &Summary{Dates: 1, StatRows: rows, Duration: time.Since(start)}
	if err := a.joblog.Complete(ctx, entry.ID, rows); err != nil {
		return summary, fmt.Errorf("failed to record job completion: %w", err)
	}
	return summary, nil
}

// Rebuild recomputes every date that has game facts. One transaction
// per date keeps an interrupted rebuild resumable: completed dates stay
// consistent and a rerun simply replaces them again.
func (a *Aggregator) Rebuild(ctx context.Context) (*Summary, error) {
	entry, err := a.joblog.Start(ctx, "aggregate", "rebuild")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	summary := &Summary{}

	dates, err := a.games.ListDates(ctx)
	if err == nil {
		for _, date := range dates {
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			var rows int
			if rows, err = a.aggregateOne(ctx, date); err != nil {
				err = fmt.Errorf("rebuild stopped at %s: %w", date.Format("2006-01-02"), err)
				break
			}
			summary.Dates++
			summary.StatRows += rows
			a.progress.Do(func() {
				a.logger.Info("rebuild progress", "dates", summary.Dates, "total", len(dates))
			})
		}
	}
	summary.Duration = time.Since(start)

	if err != nil {
		if failErr := a.joblog.Fail(context.WithoutCancel(ctx), entry.ID, err.Error()); failErr != nil {
			a.logger.Error("failed to record job failure", "error", failErr)
		}
		return summary, err
	}
	if err := a.joblog.Complete(ctx, entry.ID, summary.StatRows); err != nil {
		return summary, fmt.Errorf("failed to record job completion: %w", err)
	}
	return summary, nil
}

func (a *Aggregator) aggregateOne(ctx context.Context, date time.Time) (int, error) {
	stats, players, err := a.stats.ComputeDate(ctx, date)
	if err != nil {
		return 0, err
	}
	if err := a.stats.ReplaceDate(ctx, date, stats, players); err != nil {
		return 0, err
	}
	return len(stats), nil
}
