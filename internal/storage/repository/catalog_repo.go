package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// CatalogRepository handles card metadata used by the side filter.
type CatalogRepository interface {
	// UpsertCards writes catalog rows, updating on blueprint conflict.
	UpsertCards(ctx context.Context, cards []*models.CatalogCard) error

	// SideMap returns blueprint -> side for every catalog card with a
	// known side. Cards absent from the map are skipped by side-scoped
	// computations.
	SideMap(ctx context.Context) (map[string]models.Side, error)

	// GetCard returns a catalog card, or nil if absent.
	GetCard(ctx context.Context, blueprint string) (*models.CatalogCard, error)
}

type catalogRepo struct {
	db *storage.DB
}

// NewCatalogRepository creates a new catalog repository.
func NewCatalogRepository(db *storage.DB) CatalogRepository {
	return &catalogRepo{db: db}
}

func (r *catalogRepo) UpsertCards(ctx context.Context, cards []*models.CatalogCard) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO card_catalog (blueprint, card_name, side, culture)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(blueprint) DO UPDATE SET
				card_name = excluded.card_name,
				side = excluded.side,
				culture = excluded.culture
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare catalog upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, c := range cards {
			var side *string
			if c.Side != nil {
				s := string(*c.Side)
				side = &s
			}
			if _, err := stmt.ExecContext(ctx, c.Blueprint, c.Name, side, c.Culture); err != nil {
				return fmt.Errorf("failed to upsert catalog card %s: %w", c.Blueprint, err)
			}
		}
		return nil
	})
}

func (r *catalogRepo) SideMap(ctx context.Context) (map[string]models.Side, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT blueprint, side FROM card_catalog WHERE side IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query side map: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sides := make(map[string]models.Side)
	for rows.Next() {
		var blueprint, side string
		if err := rows.Scan(&blueprint, &side); err != nil {
			return nil, fmt.Errorf("failed to scan side row: %w", err)
		}
		sides[blueprint] = models.Side(side)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating side rows: %w", err)
	}
	return sides, nil
}

func (r *catalogRepo) GetCard(ctx context.Context, blueprint string) (*models.CatalogCard, error) {
	var (
		c    models.CatalogCard
		side *string
	)
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT blueprint, card_name, side, culture
		FROM card_catalog
		WHERE blueprint = ?
	`, blueprint).Scan(&c.Blueprint, &c.Name, &side, &c.Culture)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog card: %w", err)
	}
	if side != nil {
		s := models.Side(*side)
		c.Side = &s
	}
	return &c, nil
}
