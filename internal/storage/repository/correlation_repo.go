package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// CorrelationRepository handles pairwise card correlation data.
// Correlations are always replaced per scope; lift values depend on the
// full deck population, so partial updates are not supported.
type CorrelationRepository interface {
	// ReplaceScope deletes and rewrites all correlations for a
	// (format, side, patch) scope in one transaction.
	ReplaceScope(ctx context.Context, format string, side models.Side, patchID int64, rows []*models.CardCorrelation) error

	// GetScope returns correlations for a scope with lift and
	// together-count floors, for graph construction.
	GetScope(ctx context.Context, format string, side models.Side, patchID int64, minLift float64, minTogether int) ([]*models.CardCorrelation, error)

	// GetPair returns the correlation row for an unordered card pair,
	// or nil if the pair never co-occurred.
	GetPair(ctx context.Context, cardA, cardB, format string, side models.Side, patchID int64) (*models.CardCorrelation, error)

	// TopForCard returns the strongest correlations involving a card,
	// ordered by lift descending.
	TopForCard(ctx context.Context, blueprint, format string, side models.Side, patchID int64, limit int) ([]*models.CardCorrelation, error)

	// CountScope returns the number of stored rows for a scope.
	CountScope(ctx context.Context, format string, side models.Side, patchID int64) (int, error)
}

type correlationRepo struct {
	db *storage.DB
}

// NewCorrelationRepository creates a new correlation repository.
func NewCorrelationRepository(db *storage.DB) CorrelationRepository {
	return &correlationRepo{db: db}
}

func (r *correlationRepo) ReplaceScope(ctx context.Context, format string, side models.Side, patchID int64, rows []*models.CardCorrelation) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM card_correlations
			WHERE format_name = ? AND side = ? AND patch_id = ?
		`, format, string(side), patchID); err != nil {
			return fmt.Errorf("failed to clear correlations: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO card_correlations (
				card_a, card_b, format_name, side, patch_id,
				together_count, card_a_count, card_b_count, total_decks,
				jaccard, lift, computed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare correlation insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, c := range rows {
			// Canonical A<B ordering keeps the pair unique.
			a, b := c.CardA, c.CardB
			aCount, bCount := c.CardACount, c.CardBCount
			if a > b {
				a, b = b, a
				aCount, bCount = bCount, aCount
			}

			if _, err := stmt.ExecContext(ctx,
				a, b, format, string(side), patchID,
				c.TogetherCount, aCount, bCount, c.TotalDecks,
				c.Jaccard, c.Lift,
			); err != nil {
				return fmt.Errorf("failed to insert correlation %s/%s: %w", a, b, err)
			}
		}

		return nil
	})
}

func scanCorrelation(scanner interface{ Scan(...any) error }) (*models.CardCorrelation, error) {
	var c models.CardCorrelation
	err := scanner.Scan(
		&c.ID, &c.CardA, &c.CardB, &c.FormatName, &c.Side, &c.PatchID,
		&c.TogetherCount, &c.CardACount, &c.CardBCount, &c.TotalDecks,
		&c.Jaccard, &c.Lift, &c.ComputedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const correlationColumns = `
	id, card_a, card_b, format_name, side, patch_id,
	together_count, card_a_count, card_b_count, total_decks,
	jaccard, lift, computed_at
`

func (r *correlationRepo) GetScope(ctx context.Context, format string, side models.Side, patchID int64, minLift float64, minTogether int) ([]*models.CardCorrelation, error) {
	query := `
		SELECT ` + correlationColumns + `
		FROM card_correlations
		WHERE format_name = ? AND side = ? AND patch_id = ?
		  AND lift >= ? AND together_count >= ?
		ORDER BY card_a, card_b
	`

	rows, err := r.db.Conn().QueryContext(ctx, query, format, string(side), patchID, minLift, minTogether)
	if err != nil {
		return nil, fmt.Errorf("failed to get correlations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.CardCorrelation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlations: %w", err)
	}
	return result, nil
}

func (r *correlationRepo) GetPair(ctx context.Context, cardA, cardB, format string, side models.Side, patchID int64) (*models.CardCorrelation, error) {
	if cardA > cardB {
		cardA, cardB = cardB, cardA
	}

	query := `
		SELECT ` + correlationColumns + `
		FROM card_correlations
		WHERE card_a = ? AND card_b = ? AND format_name = ? AND side = ? AND patch_id = ?
	`

	c, err := scanCorrelation(r.db.Conn().QueryRowContext(ctx, query, cardA, cardB, format, string(side), patchID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correlation pair: %w", err)
	}
	return c, nil
}

func (r *correlationRepo) TopForCard(ctx context.Context, blueprint, format string, side models.Side, patchID int64, limit int) ([]*models.CardCorrelation, error) {
	query := `
		SELECT ` + correlationColumns + `
		FROM card_correlations
		WHERE (card_a = ? OR card_b = ?) AND format_name = ? AND side = ? AND patch_id = ?
		ORDER BY lift DESC
		LIMIT ?
	`

	rows, err := r.db.Conn().QueryContext(ctx, query, blueprint, blueprint, format, string(side), patchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top correlations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.CardCorrelation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlations: %w", err)
	}
	return result, nil
}

func (r *correlationRepo) CountScope(ctx context.Context, format string, side models.Side, patchID int64) (int, error) {
	var count int
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM card_correlations
		WHERE format_name = ? AND side = ? AND patch_id = ?
	`, format, string(side), patchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count correlations: %w", err)
	}
	return count, nil
}
