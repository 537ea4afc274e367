package archetype

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

// MatcherOptions tunes deck matching.
type MatcherOptions struct {
	// MinScore is the floor below which a deck stays unassigned.
	MinScore float64
}

// DefaultMatcherOptions returns the production default.
func DefaultMatcherOptions() MatcherOptions {
	return MatcherOptions{MinScore: 0.2}
}

// MatchSummary reports one scope matching run.
type MatchSummary struct {
	Decks      int
	Assigned   int
	Unassigned int
	Duration   time.Duration
}

// Matcher assigns decks to their best-fitting archetype community.
type Matcher struct {
	games       repository.GameRepository
	catalog     repository.CatalogRepository
	communities repository.CommunityRepository
	assignments repository.AssignmentRepository
	joblog      repository.ComputationLogRepository
	logger      *slog.Logger
}

// NewMatcher creates a deck-archetype matcher.
func NewMatcher(
	games repository.GameRepository,
	catalog repository.CatalogRepository,
	communities repository.CommunityRepository,
	assignments repository.AssignmentRepository,
	joblog repository.ComputationLogRepository,
	logger *slog.Logger,
) *Matcher {
	return &Matcher{
		games:       games,
		catalog:     catalog,
		communities: communities,
		assignments: assignments,
		joblog:      joblog,
		logger:      logger,
	}
}

// MatchDeck scores a deck (set of normalized blueprints) against each
// community and returns the best community id and score, or ok=false
// when nothing clears MinScore. The orphan pool never receives decks.
// Ties go to the smaller community id so assignment is stable.
func MatchDeck(deck map[string]bool, communities []*repository.CommunityWithMembers, opts MatcherOptions) (communityID int64, score float64, ok bool) {
	sorted := make([]*repository.CommunityWithMembers, 0, len(communities))
	for _, c := range communities {
		if c.Community.IsOrphanPool {
			continue
		}
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Community.ID < sorted[j].Community.ID
	})

	best := -1.0
	var bestID int64
	for _, c := range sorted {
		s := scoreDeck(deck, c.Members)
		if s > best {
			best = s
			bestID = c.Community.ID
		}
	}

	if best < opts.MinScore || best <= 0 {
		return 0, 0, false
	}
	return bestID, best, true
}

// scoreDeck computes the centrality-weighted fraction of a community's
// Core and Flex membership present in the deck. Custom members are
// curation, not signal, and are excluded.
func scoreDeck(deck map[string]bool, members []*models.CommunityMembership) float64 {
	var total, present float64
	for _, m := range members {
		if m.Type == models.MembershipCustom {
			continue
		}
		weight := m.Centrality
		if weight <= 0 {
			continue
		}
		total += weight
		if deck[m.Blueprint] {
			present += weight
		}
	}
	if total == 0 {
		return 0
	}
	return present / total
}

// MatchScope scores every deck in a (format, side, patch) scope and
// total-replaces the scope's assignments.
func (m *Matcher) MatchScope(ctx context.Context, format string, side models.Side, patch *models.BalancePatch, opts MatcherOptions) (*MatchSummary, error) {
	scope := fmt.Sprintf("%s/%s/%s", format, side, patch.Name)
	entry, err := m.joblog.Start(ctx, "match", scope)
	if err != nil {
		return nil, err
	}

	summary, runErr := m.matchScope(ctx, format, side, patch, opts)
	if runErr != nil {
		if failErr := m.joblog.Fail(context.WithoutCancel(ctx), entry.ID, runErr.Error()); failErr != nil {
			m.logger.Error("failed to record job failure", "error", failErr)
		}
		return nil, runErr
	}

	if err := m.joblog.Complete(ctx, entry.ID, summary.Assigned); err != nil {
		return summary, fmt.Errorf("failed to record job completion: %w", err)
	}
	return summary, nil
}

func (m *Matcher) matchScope(ctx context.Context, format string, side models.Side, patch *models.BalancePatch, opts MatcherOptions) (*MatchSummary, error) {
	start := time.Now()

	communities, err := m.communities.LoadScope(ctx, format, side, patch.ID)
	if err != nil {
		return nil, err
	}
	sides, err := m.catalog.SideMap(ctx)
	if err != nil {
		return nil, err
	}

	// Collect each deck's side-filtered card set.
	type deckID struct {
		gameID   int64
		playerID int64
	}
	decks := make(map[deckID]map[string]bool)
	startDate := patch.PatchDate
	err = m.games.StreamDrawDeckCards(ctx, format, &startDate, patch.EndDate,
		func(row repository.DeckCardRow) error {
			if sides[row.Blueprint] != side {
				return nil
			}
			key := deckID{gameID: row.GameID, playerID: row.PlayerID}
			set, ok := decks[key]
			if !ok {
				set = make(map[string]bool)
				decks[key] = set
			}
			set[row.Blueprint] = true
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate decks: %w", err)
	}

	var assignments []*models.DeckArchetypeAssignment
	for key, cards := range decks {
		communityID, score, ok := MatchDeck(cards, communities, opts)
		if !ok {
			continue
		}
		assignments = append(assignments, &models.DeckArchetypeAssignment{
			GameID:      key.gameID,
			PlayerID:    key.playerID,
			CommunityID: communityID,
			MatchScore:  score,
		})
	}

	if err := m.assignments.ReplaceScope(ctx, format, side, patch.ID, assignments); err != nil {
		return nil, err
	}

	return &MatchSummary{
		Decks:      len(decks),
		Assigned:   len(assignments),
		Unassigned: len(decks) - len(assignments),
		Duration:   time.Since(start),
	}, nil
}
