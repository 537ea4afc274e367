package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// AssignmentRepository handles deck-to-archetype assignments.
type AssignmentRepository interface {
	// ReplaceScope rewrites the assignments pointing at a scope's
	// communities and refreshes each community's deck_count, in one
	// transaction. Decks the matcher left unassigned simply have no
	// row.
	ReplaceScope(ctx context.Context, format string, side models.Side, patchID int64, assignments []*models.DeckArchetypeAssignment) error

	// Get returns the assignment for one deck, or nil if unassigned.
	Get(ctx context.Context, gameID, playerID int64) (*models.DeckArchetypeAssignment, error)

	// CountByCommunity returns community id -> assigned deck count for a
	// scope.
	CountByCommunity(ctx context.Context, format string, side models.Side, patchID int64) (map[int64]int, error)
}

type assignmentRepo struct {
	db *storage.DB
}

// NewAssignmentRepository creates a new assignment repository.
func NewAssignmentRepository(db *storage.DB) AssignmentRepository {
	return &assignmentRepo{db: db}
}

func (r *assignmentRepo) ReplaceScope(ctx context.Context, format string, side models.Side, patchID int64, assignments []*models.DeckArchetypeAssignment) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM deck_archetype_assignments
			WHERE community_id IN (
				SELECT id FROM card_communities
				WHERE format_name = ? AND side = ? AND patch_id = ?
			)
		`, format, string(side), patchID); err != nil {
			return fmt.Errorf("failed to clear assignments: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO deck_archetype_assignments (game_id, player_id, community_id, match_score)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(game_id, player_id) DO UPDATE SET
				community_id = excluded.community_id,
				match_score = excluded.match_score
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare assignment insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, a := range assignments {
			if _, err := stmt.ExecContext(ctx,
				a.GameID, a.PlayerID, a.CommunityID, a.MatchScore); err != nil {
				return fmt.Errorf("failed to insert assignment for game %d: %w", a.GameID, err)
			}
		}

		// The communities table carries the count for external readers.
		if _, err := tx.ExecContext(ctx, `
			UPDATE card_communities
			SET deck_count = (
				SELECT COUNT(*)
				FROM deck_archetype_assignments daa
				WHERE daa.community_id = card_communities.id
			)
			WHERE format_name = ? AND side = ? AND patch_id = ?
		`, format, string(side), patchID); err != nil {
			return fmt.Errorf("failed to update community deck counts: %w", err)
		}
		return nil
	})
}

func (r *assignmentRepo) Get(ctx context.Context, gameID, playerID int64) (*models.DeckArchetypeAssignment, error) {
	var a models.DeckArchetypeAssignment
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, game_id, player_id, community_id, match_score
		FROM deck_archetype_assignments
		WHERE game_id = ? AND player_id = ?
	`, gameID, playerID).Scan(&a.ID, &a.GameID, &a.PlayerID, &a.CommunityID, &a.MatchScore)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

func (r *assignmentRepo) CountByCommunity(ctx context.Context, format string, side models.Side, patchID int64) (map[int64]int, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT daa.community_id, COUNT(*)
		FROM deck_archetype_assignments daa
		JOIN card_communities cc ON daa.community_id = cc.id
		WHERE cc.format_name = ? AND cc.side = ? AND cc.patch_id = ?
		GROUP BY daa.community_id
	`, format, string(side), patchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			id    int64
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("failed to scan assignment count: %w", err)
		}
		counts[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignment counts: %w", err)
	}
	return counts, nil
}
