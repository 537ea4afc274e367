package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// PatchRepository manages balance patches, the dated checkpoints that
// partition correlations and communities into eras.
type PatchRepository interface {
	// Create inserts a patch and invalidates derived data of the patch
	// whose era the new date splits: that patch's correlations are
	// deleted and its communities marked invalid for re-detection.
	Create(ctx context.Context, name string, patchDate time.Time) (*models.BalancePatch, error)

	// List returns all patches ordered by date ascending, with EndDate
	// derived from the following patch.
	List(ctx context.Context) ([]*models.BalancePatch, error)

	// GetByName returns a patch by name, or nil if absent.
	GetByName(ctx context.Context, name string) (*models.BalancePatch, error)

	// GetByID returns a patch by id, or nil if absent.
	GetByID(ctx context.Context, id int64) (*models.BalancePatch, error)

	// ForDate returns the patch whose era contains the given date, or
	// nil when the date precedes every patch.
	ForDate(ctx context.Context, date time.Time) (*models.BalancePatch, error)

	// Delete removes a patch. Correlations, communities and their
	// memberships cascade away with it.
	Delete(ctx context.Context, id int64) error
}

type patchRepo struct {
	db *storage.DB
}

// NewPatchRepository creates a new patch repository.
func NewPatchRepository(db *storage.DB) PatchRepository {
	return &patchRepo{db: db}
}

func (r *patchRepo) Create(ctx context.Context, name string, patchDate time.Time) (*models.BalancePatch, error) {
	patch := &models.BalancePatch{Name: name, PatchDate: patchDate}

	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		// Find the patch whose era the new date falls into. Its
		// derived data covers games that now belong to the new era.
		var prevID sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM balance_patches
			WHERE patch_date <= ?
			ORDER BY patch_date DESC
			LIMIT 1
		`, fmtDate(patchDate)).Scan(&prevID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to find preceding patch: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO balance_patches (patch_name, patch_date)
			VALUES (?, ?)
		`, name, fmtDate(patchDate))
		if err != nil {
			return fmt.Errorf("failed to insert patch: %w", err)
		}
		if patch.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get patch id: %w", err)
		}

		if prevID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE card_communities SET is_valid = 0 WHERE patch_id = ?
			`, prevID.Int64); err != nil {
				return fmt.Errorf("failed to invalidate communities: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM card_correlations WHERE patch_id = ?
			`, prevID.Int64); err != nil {
				return fmt.Errorf("failed to clear stale correlations: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return patch, nil
}

func (r *patchRepo) List(ctx context.Context) ([]*models.BalancePatch, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, patch_name, patch_date, created_at
		FROM balance_patches
		ORDER BY patch_date
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patches []*models.BalancePatch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patches: %w", err)
	}

	// Each era ends the day before the next patch begins.
	for i := 0; i < len(patches)-1; i++ {
		end := patches[i+1].PatchDate.AddDate(0, 0, -1)
		patches[i].EndDate = &end
	}

	return patches, nil
}

func scanPatch(scanner interface{ Scan(...any) error }) (*models.BalancePatch, error) {
	var (
		p   models.BalancePatch
		day string
	)
	if err := scanner.Scan(&p.ID, &p.Name, &day, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan patch: %w", err)
	}
	var err error
	if p.PatchDate, err = parseDate(day); err != nil {
		return nil, err
	}
	return &p, nil
}

// isNoRows unwraps through the scan helper's error wrapping.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (r *patchRepo) GetByName(ctx context.Context, name string) (*models.BalancePatch, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, patch_name, patch_date, created_at
		FROM balance_patches
		WHERE patch_name = ?
	`, name)

	p, err := scanPatch(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get patch by name: %w", err)
	}
	return r.withEndDate(ctx, p)
}

func (r *patchRepo) GetByID(ctx context.Context, id int64) (*models.BalancePatch, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, patch_name, patch_date, created_at
		FROM balance_patches
		WHERE id = ?
	`, id)

	p, err := scanPatch(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get patch by id: %w", err)
	}
	return r.withEndDate(ctx, p)
}

func (r *patchRepo) ForDate(ctx context.Context, date time.Time) (*models.BalancePatch, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, patch_name, patch_date, created_at
		FROM balance_patches
		WHERE patch_date <= ?
		ORDER BY patch_date DESC
		LIMIT 1
	`, fmtDate(date))

	p, err := scanPatch(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get patch for date: %w", err)
	}
	return r.withEndDate(ctx, p)
}

// withEndDate fills the derived EndDate from the following patch.
func (r *patchRepo) withEndDate(ctx context.Context, p *models.BalancePatch) (*models.BalancePatch, error) {
	var next string
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT patch_date FROM balance_patches
		WHERE patch_date > ?
		ORDER BY patch_date
		LIMIT 1
	`, fmtDate(p.PatchDate)).Scan(&next)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next patch date: %w", err)
	}

	nextDate, err := parseDate(next)
	if err != nil {
		return nil, err
	}
	end := nextDate.AddDate(0, 0, -1)
	p.EndDate = &end
	return p, nil
}

func (r *patchRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Conn().ExecContext(ctx,
		`DELETE FROM balance_patches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete patch: %w", err)
	}
	return nil
}
