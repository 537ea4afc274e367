// Package query provides the read-only access layer over the
// precomputed analytics tables. It is the surface an API or report
// generator consumes; it never writes.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

// CardSummary aggregates a card's daily stat rows over a date range.
type CardSummary struct {
	Blueprint         string
	DeckAppearances   int
	DeckWins          int
	TotalCopies       int
	PlayedAppearances int
	PlayedWins        int
	DistinctPlayers   int
	// WinRate is deck_wins / deck_appearances, 0 when the card never
	// appeared under the filter.
	WinRate float64
	// PlayedWinRate conditions the win rate on the card actually
	// hitting the table.
	PlayedWinRate float64
	Daily         []*models.DailyCardStat
}

// CommunityView is one archetype community with its membership and the
// number of decks currently assigned to it.
type CommunityView struct {
	Community *models.CardCommunity
	Members   []*models.CommunityMembership
	DeckCount int
}

// Service bundles the read paths of the analytics store.
type Service struct {
	stats        repository.DailyStatsRepository
	correlations repository.CorrelationRepository
	communities  repository.CommunityRepository
	assignments  repository.AssignmentRepository
	patches      repository.PatchRepository
	games        repository.GameRepository
}

// NewService creates a read-only query service.
func NewService(
	stats repository.DailyStatsRepository,
	correlations repository.CorrelationRepository,
	communities repository.CommunityRepository,
	assignments repository.AssignmentRepository,
	patches repository.PatchRepository,
	games repository.GameRepository,
) *Service {
	return &Service{
		stats:        stats,
		correlations: correlations,
		communities:  communities,
		assignments:  assignments,
		patches:      patches,
		games:        games,
	}
}

// CardStats returns a card's aggregated performance over a date range.
// The daily series is included so callers can plot trends without a
// second round trip. Distinct players come from the existence rows, not
// from summing daily counts, so a player active on many days counts
// once.
func (s *Service) CardStats(ctx context.Context, blueprint string, filter repository.StatFilter, start, end time.Time) (*CardSummary, error) {
	daily, err := s.stats.GetCardStats(ctx, blueprint, filter, start, end)
	if err != nil {
		return nil, err
	}
	players, err := s.stats.CountDistinctPlayers(ctx, blueprint, filter, start, end)
	if err != nil {
		return nil, err
	}

	summary := &CardSummary{Blueprint: blueprint, DistinctPlayers: players, Daily: daily}
	for _, d := range daily {
		summary.DeckAppearances += d.DeckAppearances
		summary.DeckWins += d.DeckWins
		summary.TotalCopies += d.TotalCopies
		summary.PlayedAppearances += d.PlayedAppearances
		summary.PlayedWins += d.PlayedWins
	}
	if summary.DeckAppearances > 0 {
		summary.WinRate = float64(summary.DeckWins) / float64(summary.DeckAppearances)
	}
	if summary.PlayedAppearances > 0 {
		summary.PlayedWinRate = float64(summary.PlayedWins) / float64(summary.PlayedAppearances)
	}
	return summary, nil
}

// TopCorrelations returns the strongest co-occurrence partners of a
// card within a scope, ordered by lift descending.
func (s *Service) TopCorrelations(ctx context.Context, blueprint, format string, side models.Side, patchID int64, limit int) ([]*models.CardCorrelation, error) {
	return s.correlations.TopForCard(ctx, blueprint, format, side, patchID, limit)
}

// Communities returns a scope's archetype communities with members and
// assigned deck counts. Clusters come first ordered by size, the orphan
// pool last.
func (s *Service) Communities(ctx context.Context, format string, side models.Side, patchID int64) ([]*CommunityView, error) {
	loaded, err := s.communities.LoadScope(ctx, format, side, patchID)
	if err != nil {
		return nil, err
	}
	counts, err := s.assignments.CountByCommunity(ctx, format, side, patchID)
	if err != nil {
		return nil, err
	}

	views := make([]*CommunityView, 0, len(loaded))
	for _, c := range loaded {
		views = append(views, &CommunityView{
			Community: c.Community,
			Members:   c.Members,
			DeckCount: counts[c.Community.ID],
		})
	}
	return views, nil
}

// Patches returns all balance patches with derived era end dates.
func (s *Service) Patches(ctx context.Context) ([]*models.BalancePatch, error) {
	return s.patches.List(ctx)
}

// PatchForDate resolves the era containing a date.
func (s *Service) PatchForDate(ctx context.Context, date time.Time) (*models.BalancePatch, error) {
	patch, err := s.patches.ForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if patch == nil {
		return nil, fmt.Errorf("no balance patch covers %s", date.Format("2006-01-02"))
	}
	return patch, nil
}

// Formats returns every format with ingested games.
func (s *Service) Formats(ctx context.Context) ([]string, error) {
	return s.games.ListFormats(ctx)
}
