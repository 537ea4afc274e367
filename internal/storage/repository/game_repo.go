// Package repository contains database repositories for the analytics
// pipeline.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// GameWithCards bundles a game fact with its deck card facts for
// transactional insertion.
type GameWithCards struct {
	Fact  *models.GameFact
	Cards []*models.DeckCardFact
}

// DeckCardRow is one streamed (deck, card) row used by the correlation
// engine and the matcher.
type DeckCardRow struct {
	GameID    int64
	PlayerID  int64
	Blueprint string
}

// GameRepository handles game fact persistence.
type GameRepository interface {
	// GetProcessingVersion returns the stored processing version for a
	// game, or ok=false if the game has not been ingested.
	GetProcessingVersion(ctx context.Context, gameID int64) (version int, ok bool, err error)

	// ReplaceGames writes a batch of games in a single transaction.
	// Each game is deleted first (cascading its deck card facts) so
	// reprocessing at a newer version never accumulates duplicates.
	ReplaceGames(ctx context.Context, games []*GameWithCards) error

	// GetGame returns a game fact, or nil if absent.
	GetGame(ctx context.Context, gameID int64) (*models.GameFact, error)

	// ListDates returns all distinct game dates in ascending order.
	ListDates(ctx context.Context) ([]time.Time, error)

	// StreamDrawDeckCards streams draw-deck card rows for a format
	// within an optional date range. end == nil means open-ended.
	StreamDrawDeckCards(ctx context.Context, format string, start, end *time.Time, fn func(DeckCardRow) error) error

	// CountDeckCards returns the number of stored deck card facts for a game.
	CountDeckCards(ctx context.Context, gameID int64) (int, error)

	// ListFormats returns all distinct formats with game facts.
	ListFormats(ctx context.Context) ([]string, error)
}

type gameRepo struct {
	db *storage.DB
}

// NewGameRepository creates a new game repository.
func NewGameRepository(db *storage.DB) GameRepository {
	return &gameRepo{db: db}
}

func (r *gameRepo) GetProcessingVersion(ctx context.Context, gameID int64) (int, bool, error) {
	var version int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT processing_version FROM game_facts WHERE game_id = ?`, gameID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get processing version: %w", err)
	}
	return version, true, nil
}

func (r *gameRepo) ReplaceGames(ctx context.Context, games []*GameWithCards) error {
	if len(games) == 0 {
		return nil
	}

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM game_facts WHERE game_id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare delete: %w", err)
		}
		defer func() { _ = deleteStmt.Close() }()

		factStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO game_facts (
				game_id, format_name, game_date, duration_seconds,
				tournament_name, winner_player_id, loser_player_id,
				outcome_tier, competitive_tier, winner_site, loser_site,
				processing_version, processed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare game insert: %w", err)
		}
		defer func() { _ = factStmt.Close() }()

		cardStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO deck_card_facts (
				game_id, player_id, card_blueprint, card_role,
				card_count, is_winner, was_played
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare card insert: %w", err)
		}
		defer func() { _ = cardStmt.Close() }()

		for _, g := range games {
			f := g.Fact

			// Cascade removes any deck card facts from an older
			// processing version.
			if _, err := deleteStmt.ExecContext(ctx, f.GameID); err != nil {
				return fmt.Errorf("failed to delete game %d: %w", f.GameID, err)
			}

			if _, err := factStmt.ExecContext(ctx,
				f.GameID, f.FormatName, fmtDate(f.GameDate), f.DurationSeconds,
				f.TournamentName, f.WinnerPlayerID, f.LoserPlayerID,
				int(f.OutcomeTier), int(f.CompetitiveTier), f.WinnerSite, f.LoserSite,
				f.ProcessingVersion,
			); err != nil {
				return fmt.Errorf("failed to insert game %d: %w", f.GameID, err)
			}

			for _, c := range g.Cards {
				if _, err := cardStmt.ExecContext(ctx,
					c.GameID, c.PlayerID, c.Blueprint, string(c.Role),
					c.Count, c.IsWinner, c.WasPlayed,
				); err != nil {
					return fmt.Errorf("failed to insert deck card for game %d: %w", c.GameID, err)
				}
			}
		}

		return nil
	})
}

func (r *gameRepo) GetGame(ctx context.Context, gameID int64) (*models.GameFact, error) {
	query := `
		SELECT game_id, format_name, game_date, duration_seconds,
			tournament_name, winner_player_id, loser_player_id,
			outcome_tier, competitive_tier, winner_site, loser_site,
			processing_version, processed_at
		FROM game_facts
		WHERE game_id = ?
	`

	var (
		f        models.GameFact
		gameDate string
	)
	err := r.db.Conn().QueryRowContext(ctx, query, gameID).Scan(
		&f.GameID, &f.FormatName, &gameDate, &f.DurationSeconds,
		&f.TournamentName, &f.WinnerPlayerID, &f.LoserPlayerID,
		&f.OutcomeTier, &f.CompetitiveTier, &f.WinnerSite, &f.LoserSite,
		&f.ProcessingVersion, &f.ProcessedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}

	if f.GameDate, err = parseDate(gameDate); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *gameRepo) ListDates(ctx context.Context) ([]time.Time, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT DISTINCT game_date FROM game_facts ORDER BY game_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to list game dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan game date: %w", err)
		}
		d, err := parseDate(s)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating game dates: %w", err)
	}
	return dates, nil
}

func (r *gameRepo) StreamDrawDeckCards(ctx context.Context, format string, start, end *time.Time, fn func(DeckCardRow) error) error {
	query := `
		SELECT dcf.game_id, dcf.player_id, dcf.card_blueprint
		FROM deck_card_facts dcf
		JOIN game_facts gf ON dcf.game_id = gf.game_id
		WHERE gf.format_name = ?
		  AND dcf.card_role = 'draw_deck'
	`
	args := []any{format}
	if start != nil {
		query += " AND gf.game_date >= ?"
		args = append(args, fmtDate(*start))
	}
	if end != nil {
		query += " AND gf.game_date <= ?"
		args = append(args, fmtDate(*end))
	}

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query draw deck cards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var row DeckCardRow
		if err := rows.Scan(&row.GameID, &row.PlayerID, &row.Blueprint); err != nil {
			return fmt.Errorf("failed to scan deck card row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating deck card rows: %w", err)
	}
	return nil
}

func (r *gameRepo) CountDeckCards(ctx context.Context, gameID int64) (int, error) {
	var count int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deck_card_facts WHERE game_id = ?`, gameID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deck cards: %w", err)
	}
	return count, nil
}

func (r *gameRepo) ListFormats(ctx context.Context) ([]string, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT DISTINCT format_name FROM game_facts ORDER BY format_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list formats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var formats []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("failed to scan format: %w", err)
		}
		formats = append(formats, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating formats: %w", err)
	}
	return formats, nil
}
