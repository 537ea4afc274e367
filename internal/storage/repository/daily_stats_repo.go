package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// StatFilter narrows daily stat queries. Zero values mean "no filter".
type StatFilter struct {
	FormatName       string
	OutcomeTiers     []models.OutcomeTier
	CompetitiveTiers []models.CompetitiveTier
}

// DailyStatsRepository handles pre-aggregated daily card statistics.
type DailyStatsRepository interface {
	// ComputeDate aggregates deck card facts for one date. It reads
	// only; writing is a separate step so dry runs stay cheap.
	ComputeDate(ctx context.Context, date time.Time) ([]*models.DailyCardStat, []*models.DailyCardPlayer, error)

	// ReplaceDate replaces all stat and player rows for one date in a
	// single transaction. Re-running after a correction is safe.
	ReplaceDate(ctx context.Context, date time.Time, stats []*models.DailyCardStat, players []*models.DailyCardPlayer) error

	// GetCardStats returns stat rows for a card over a date range.
	GetCardStats(ctx context.Context, blueprint string, filter StatFilter, start, end time.Time) ([]*models.DailyCardStat, error)

	// CountDistinctPlayers counts distinct players who ran a card over
	// a date range, using the existence rows.
	CountDistinctPlayers(ctx context.Context, blueprint string, filter StatFilter, start, end time.Time) (int, error)
}

type dailyStatsRepo struct {
	db *storage.DB
}

// NewDailyStatsRepository creates a new daily stats repository.
func NewDailyStatsRepository(db *storage.DB) DailyStatsRepository {
	return &dailyStatsRepo{db: db}
}

func (r *dailyStatsRepo) ComputeDate(ctx context.Context, date time.Time) ([]*models.DailyCardStat, []*models.DailyCardPlayer, error) {
	day := fmtDate(date)

	statQuery := `
		SELECT
			dcf.card_blueprint,
			gf.format_name,
			gf.outcome_tier,
			gf.competitive_tier,
			COUNT(*) AS deck_appearances,
			SUM(CASE WHEN dcf.is_winner THEN 1 ELSE 0 END) AS deck_wins,
			SUM(dcf.card_count) AS total_copies,
			SUM(CASE WHEN dcf.was_played THEN 1 ELSE 0 END) AS played_appearances,
			SUM(CASE WHEN dcf.was_played AND dcf.is_winner THEN 1 ELSE 0 END) AS played_wins
		FROM deck_card_facts dcf
		JOIN game_facts gf ON dcf.game_id = gf.game_id
		WHERE gf.game_date = ?
		GROUP BY dcf.card_blueprint, gf.format_name, gf.outcome_tier, gf.competitive_tier
	`

	rows, err := r.db.Conn().QueryContext(ctx, statQuery, day)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to aggregate daily stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []*models.DailyCardStat
	for rows.Next() {
		s := &models.DailyCardStat{StatDate: date}
		if err := rows.Scan(
			&s.Blueprint, &s.FormatName, &s.OutcomeTier, &s.CompetitiveTier,
			&s.DeckAppearances, &s.DeckWins, &s.TotalCopies,
			&s.PlayedAppearances, &s.PlayedWins,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating daily stats: %w", err)
	}

	playerQuery := `
		SELECT DISTINCT
			dcf.card_blueprint,
			gf.format_name,
			gf.outcome_tier,
			gf.competitive_tier,
			dcf.player_id
		FROM deck_card_facts dcf
		JOIN game_facts gf ON dcf.game_id = gf.game_id
		WHERE gf.game_date = ?
	`

	playerRows, err := r.db.Conn().QueryContext(ctx, playerQuery, day)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to aggregate daily players: %w", err)
	}
	defer func() { _ = playerRows.Close() }()

	var players []*models.DailyCardPlayer
	for playerRows.Next() {
		p := &models.DailyCardPlayer{StatDate: date}
		if err := playerRows.Scan(
			&p.Blueprint, &p.FormatName, &p.OutcomeTier, &p.CompetitiveTier, &p.PlayerID,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan daily player: %w", err)
		}
		players = append(players, p)
	}
	if err := playerRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating daily players: %w", err)
	}

	return stats, players, nil
}

func (r *dailyStatsRepo) ReplaceDate(ctx context.Context, date time.Time, stats []*models.DailyCardStat, players []*models.DailyCardPlayer) error {
	day := fmtDate(date)

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM daily_card_stats WHERE stat_date = ?`, day); err != nil {
			return fmt.Errorf("failed to clear daily stats: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM daily_card_players WHERE stat_date = ?`, day); err != nil {
			return fmt.Errorf("failed to clear daily players: %w", err)
		}

		statStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_card_stats (
				card_blueprint, format_name, stat_date, outcome_tier, competitive_tier,
				deck_appearances, deck_wins, total_copies, played_appearances, played_wins
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare stat insert: %w", err)
		}
		defer func() { _ = statStmt.Close() }()

		for _, s := range stats {
			if _, err := statStmt.ExecContext(ctx,
				s.Blueprint, s.FormatName, day, int(s.OutcomeTier), int(s.CompetitiveTier),
				s.DeckAppearances, s.DeckWins, s.TotalCopies,
				s.PlayedAppearances, s.PlayedWins,
			); err != nil {
				return fmt.Errorf("failed to insert daily stat: %w", err)
			}
		}

		playerStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_card_players (
				card_blueprint, format_name, stat_date, outcome_tier, competitive_tier, player_id
			) VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare player insert: %w", err)
		}
		defer func() { _ = playerStmt.Close() }()

		for _, p := range players {
			if _, err := playerStmt.ExecContext(ctx,
				p.Blueprint, p.FormatName, day, int(p.OutcomeTier), int(p.CompetitiveTier), p.PlayerID,
			); err != nil {
				return fmt.Errorf("failed to insert daily player: %w", err)
			}
		}

		return nil
	})
}

// filterClause renders tier filters as SQL. The returned clause starts
// with " AND" or is empty.
func filterClause(filter StatFilter, args *[]any) string {
	clause := ""
	if filter.FormatName != "" {
		clause += " AND format_name = ?"
		*args = append(*args, filter.FormatName)
	}
	if len(filter.OutcomeTiers) > 0 {
		clause += " AND outcome_tier IN (?" + repeatPlaceholder(len(filter.OutcomeTiers)-1) + ")"
		for _, t := range filter.OutcomeTiers {
			*args = append(*args, int(t))
		}
	}
	if len(filter.CompetitiveTiers) > 0 {
		clause += " AND competitive_tier IN (?" + repeatPlaceholder(len(filter.CompetitiveTiers)-1) + ")"
		for _, t := range filter.CompetitiveTiers {
			*args = append(*args, int(t))
		}
	}
	return clause
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func (r *dailyStatsRepo) GetCardStats(ctx context.Context, blueprint string, filter StatFilter, start, end time.Time) ([]*models.DailyCardStat, error) {
	args := []any{blueprint, fmtDate(start), fmtDate(end)}
	query := `
		SELECT id, card_blueprint, format_name, stat_date, outcome_tier, competitive_tier,
			deck_appearances, deck_wins, total_copies, played_appearances, played_wins
		FROM daily_card_stats
		WHERE card_blueprint = ? AND stat_date >= ? AND stat_date <= ?
	`
	query += filterClause(filter, &args)
	query += " ORDER BY stat_date"

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get card stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.DailyCardStat
	for rows.Next() {
		var (
			s   models.DailyCardStat
			day string
		)
		if err := rows.Scan(
			&s.ID, &s.Blueprint, &s.FormatName, &day, &s.OutcomeTier, &s.CompetitiveTier,
			&s.DeckAppearances, &s.DeckWins, &s.TotalCopies,
			&s.PlayedAppearances, &s.PlayedWins,
		); err != nil {
			return nil, fmt.Errorf("failed to scan card stat: %w", err)
		}
		if s.StatDate, err = parseDate(day); err != nil {
			return nil, err
		}
		result = append(result, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating card stats: %w", err)
	}
	return result, nil
}

func (r *dailyStatsRepo) CountDistinctPlayers(ctx context.Context, blueprint string, filter StatFilter, start, end time.Time) (int, error) {
	args := []any{blueprint, fmtDate(start), fmtDate(end)}
	query := `
		SELECT COUNT(DISTINCT player_id)
		FROM daily_card_players
		WHERE card_blueprint = ? AND stat_date >= ? AND stat_date <= ?
	`
	query += filterClause(filter, &args)

	var count int
	if err := r.db.Conn().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count distinct players: %w", err)
	}
	return count, nil
}
