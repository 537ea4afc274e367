package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// ErrCommunityNotFound is returned by curation operations targeting a
// community id that does not exist.
var ErrCommunityNotFound = errors.New("community not found")

// ErrOrphanPoolValidity is returned when curation tries to change the
// orphan pool's validity. The pool survives every regeneration and is
// never a real archetype, so its valid flag is fixed.
var ErrOrphanPoolValidity = errors.New("orphan pool validity cannot be changed")

// CommunityWithMembers bundles a community with its full membership.
type CommunityWithMembers struct {
	Community *models.CardCommunity
	Members   []*models.CommunityMembership
}

// CommunityRepository handles detected archetypes and their curated
// state. Detection always rewrites a full (format, side, patch) scope;
// curation touches single rows.
type CommunityRepository interface {
	// ApplyDetection replaces a scope's communities with the detector's
	// desired end state in one transaction. Existing community ids are
	// reused where the detector carried them forward (so curated names
	// and custom memberships survive); communities absent from the new
	// state are deleted. Exactly one orphan pool row remains.
	ApplyDetection(ctx context.Context, format string, side models.Side, patchID int64, state []*CommunityWithMembers) error

	// ListByScope returns all communities in a scope, orphan pool last,
	// others by member count descending.
	ListByScope(ctx context.Context, format string, side models.Side, patchID int64) ([]*models.CardCommunity, error)

	// GetMembers returns a community's memberships ordered by
	// centrality descending.
	GetMembers(ctx context.Context, communityID int64) ([]*models.CommunityMembership, error)

	// GetCommunity returns one community, or nil if absent.
	GetCommunity(ctx context.Context, id int64) (*models.CardCommunity, error)

	// UpdateName sets or clears a community's curated name.
	UpdateName(ctx context.Context, id int64, name *string) error

	// SetValidity flips the curator's valid flag. The orphan pool's
	// validity is fixed; attempts to change it return
	// ErrOrphanPoolValidity.
	SetValidity(ctx context.Context, id int64, valid bool) error

	// AddCustomMembership attaches a card to a community as a manual
	// assignment, replacing any existing membership of that card in the
	// community.
	AddCustomMembership(ctx context.Context, communityID int64, blueprint string) error

	// RemoveMembership detaches a card from a community.
	RemoveMembership(ctx context.Context, communityID int64, blueprint string) error

	// LoadScope returns communities with members for a scope, for
	// reconciliation and deck matching.
	LoadScope(ctx context.Context, format string, side models.Side, patchID int64) ([]*CommunityWithMembers, error)
}

type communityRepo struct {
	db *storage.DB
}

// NewCommunityRepository creates a new community repository.
func NewCommunityRepository(db *storage.DB) CommunityRepository {
	return &communityRepo{db: db}
}

func (r *communityRepo) ApplyDetection(ctx context.Context, format string, side models.Side, patchID int64, state []*CommunityWithMembers) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		// Collect ids carried forward by the detector so the rest of
		// the scope can be deleted.
		kept := make(map[int64]bool)
		for _, cm := range state {
			if cm.Community.ID != 0 {
				kept[cm.Community.ID] = true
			}
		}

		existing, err := scopeIDs(ctx, tx, format, side, patchID)
		if err != nil {
			return err
		}
		for _, id := range existing {
			if !kept[id] {
				// Memberships and deck assignments cascade.
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM card_communities WHERE id = ?`, id); err != nil {
					return fmt.Errorf("failed to delete community %d: %w", id, err)
				}
			}
		}

		memberStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO community_memberships (community_id, card_blueprint, centrality, membership_type)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare membership insert: %w", err)
		}
		defer func() { _ = memberStmt.Close() }()

		for _, cm := range state {
			c := cm.Community

			if c.ID != 0 {
				if _, err := tx.ExecContext(ctx, `
					UPDATE card_communities
					SET name = ?, is_valid = ?, is_orphan_pool = ?,
						card_count = ?, deck_count = ?, avg_internal_lift = ?,
						detected_at = CURRENT_TIMESTAMP
					WHERE id = ?
				`, c.Name, c.IsValid, c.IsOrphanPool,
					c.CardCount, c.DeckCount, c.AvgInternalLift, c.ID); err != nil {
					return fmt.Errorf("failed to update community %d: %w", c.ID, err)
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM community_memberships WHERE community_id = ?`, c.ID); err != nil {
					return fmt.Errorf("failed to clear memberships for community %d: %w", c.ID, err)
				}
			} else {
				res, err := tx.ExecContext(ctx, `
					INSERT INTO card_communities (
						format_name, side, patch_id, name, is_valid, is_orphan_pool,
						card_count, deck_count, avg_internal_lift
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				`, format, string(side), patchID, c.Name, c.IsValid, c.IsOrphanPool,
					c.CardCount, c.DeckCount, c.AvgInternalLift)
				if err != nil {
					return fmt.Errorf("failed to insert community: %w", err)
				}
				if c.ID, err = res.LastInsertId(); err != nil {
					return fmt.Errorf("failed to get community id: %w", err)
				}
			}

			for _, m := range cm.Members {
				if _, err := memberStmt.ExecContext(ctx,
					c.ID, m.Blueprint, m.Centrality, string(m.Type)); err != nil {
					return fmt.Errorf("failed to insert membership %s: %w", m.Blueprint, err)
				}
			}
		}

		return nil
	})
}

func scopeIDs(ctx context.Context, tx *sql.Tx, format string, side models.Side, patchID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM card_communities
		WHERE format_name = ? AND side = ? AND patch_id = ?
	`, format, string(side), patchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope communities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan community id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating community ids: %w", err)
	}
	return ids, nil
}

const communityColumns = `
	id, format_name, side, patch_id, name, is_valid, is_orphan_pool,
	card_count, deck_count, avg_internal_lift, detected_at
`

func scanCommunity(scanner interface{ Scan(...any) error }) (*models.CardCommunity, error) {
	var c models.CardCommunity
	err := scanner.Scan(
		&c.ID, &c.FormatName, &c.Side, &c.PatchID, &c.Name,
		&c.IsValid, &c.IsOrphanPool,
		&c.CardCount, &c.DeckCount, &c.AvgInternalLift, &c.DetectedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *communityRepo) ListByScope(ctx context.Context, format string, side models.Side, patchID int64) ([]*models.CardCommunity, error) {
	query := `
		SELECT ` + communityColumns + `
		FROM card_communities
		WHERE format_name = ? AND side = ? AND patch_id = ?
		ORDER BY is_orphan_pool, card_count DESC, id
	`

	rows, err := r.db.Conn().QueryContext(ctx, query, format, string(side), patchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.CardCommunity
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating communities: %w", err)
	}
	return result, nil
}

func (r *communityRepo) GetMembers(ctx context.Context, communityID int64) ([]*models.CommunityMembership, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, community_id, card_blueprint, centrality, membership_type
		FROM community_memberships
		WHERE community_id = ?
		ORDER BY centrality DESC, card_blueprint
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []*models.CommunityMembership
	for rows.Next() {
		var m models.CommunityMembership
		if err := rows.Scan(&m.ID, &m.CommunityID, &m.Blueprint, &m.Centrality, &m.Type); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}
	return members, nil
}

func (r *communityRepo) GetCommunity(ctx context.Context, id int64) (*models.CardCommunity, error) {
	query := `
		SELECT ` + communityColumns + `
		FROM card_communities
		WHERE id = ?
	`
	c, err := scanCommunity(r.db.Conn().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return c, nil
}

func (r *communityRepo) UpdateName(ctx context.Context, id int64, name *string) error {
	res, err := r.db.Conn().ExecContext(ctx,
		`UPDATE card_communities SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("failed to update community name: %w", err)
	}
	return requireRow(res)
}

func (r *communityRepo) SetValidity(ctx context.Context, id int64, valid bool) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var isPool bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_orphan_pool FROM card_communities WHERE id = ?`, id).Scan(&isPool)
		if err == sql.ErrNoRows {
			return ErrCommunityNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check community: %w", err)
		}
		if isPool {
			return ErrOrphanPoolValidity
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE card_communities SET is_valid = ? WHERE id = ?`, valid, id); err != nil {
			return fmt.Errorf("failed to update community validity: %w", err)
		}
		return nil
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrCommunityNotFound
	}
	return nil
}

func (r *communityRepo) AddCustomMembership(ctx context.Context, communityID int64, blueprint string) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM card_communities WHERE id = ?`, communityID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check community: %w", err)
		}
		if exists == 0 {
			return ErrCommunityNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO community_memberships (community_id, card_blueprint, centrality, membership_type)
			VALUES (?, ?, 0, 'custom')
			ON CONFLICT(community_id, card_blueprint) DO UPDATE SET
				membership_type = 'custom'
		`, communityID, blueprint); err != nil {
			return fmt.Errorf("failed to add custom membership: %w", err)
		}
		return nil
	})
}

func (r *communityRepo) RemoveMembership(ctx context.Context, communityID int64, blueprint string) error {
	if _, err := r.db.Conn().ExecContext(ctx, `
		DELETE FROM community_memberships
		WHERE community_id = ? AND card_blueprint = ?
	`, communityID, blueprint); err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}

func (r *communityRepo) LoadScope(ctx context.Context, format string, side models.Side, patchID int64) ([]*CommunityWithMembers, error) {
	communities, err := r.ListByScope(ctx, format, side, patchID)
	if err != nil {
		return nil, err
	}

	result := make([]*CommunityWithMembers, 0, len(communities))
	for _, c := range communities {
		members, err := r.GetMembers(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, &CommunityWithMembers{Community: c, Members: members})
	}
	return result, nil
}
