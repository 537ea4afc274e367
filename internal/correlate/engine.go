// Package correlate mines pairwise card co-occurrence statistics from
// deck composition facts.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

// Thresholds bound the correlation output.
type Thresholds struct {
	// MinAppearances is the minimum deck-inclusion count for a card to
	// enter pair computation at all.
	MinAppearances int
	// MinLift is the floor below which a pair is not stored.
	MinLift float64
	// Workers partitions pair computation. 0 means NumCPU.
	Workers int
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinAppearances: 50,
		MinLift:        1.2,
	}
}

// Scope identifies one correlation computation target.
type Scope struct {
	Format string
	Side   models.Side
	Patch  *models.BalancePatch
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Format, s.Side, s.Patch.Name)
}

// Result reports one scope computation.
type Result struct {
	TotalDecks    int
	EligibleCards int
	Rows          int
	Duration      time.Duration
}

// Engine computes and stores card correlations.
type Engine struct {
	games        repository.GameRepository
	catalog      repository.CatalogRepository
	correlations repository.CorrelationRepository
	joblog       repository.ComputationLogRepository
	logger       *slog.Logger
}

// NewEngine creates a correlation engine.
func NewEngine(
	games repository.GameRepository,
	catalog repository.CatalogRepository,
	correlations repository.CorrelationRepository,
	joblog repository.ComputationLogRepository,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		games:        games,
		catalog:      catalog,
		correlations: correlations,
		joblog:       joblog,
		logger:       logger,
	}
}

// deckKey identifies one (game, player) deck.
type deckKey struct {
	gameID   int64
	playerID int64
}

// ComputeScope recomputes all correlations for one (format, side,
// patch) scope and total-replaces the stored rows. Lift values depend
// on the full deck population, so partial updates are never performed.
func (e *Engine) ComputeScope(ctx context.Context, scope Scope, thresholds Thresholds) (*Result, error) {
	entry, err := e.joblog.Start(ctx, "correlate", scope.String())
	if err != nil {
		return nil, err
	}

	result, runErr := e.computeScope(ctx, scope, thresholds)
	if runErr != nil {
		if failErr := e.joblog.Fail(context.WithoutCancel(ctx), entry.ID, runErr.Error()); failErr != nil {
			e.logger.Error("failed to record job failure", "error", failErr)
		}
		return nil, runErr
	}

	if err := e.joblog.Complete(ctx, entry.ID, result.Rows); err != nil {
		return result, fmt.Errorf("failed to record job completion: %w", err)
	}
	return result, nil
}

func (e *Engine) computeScope(ctx context.Context, scope Scope, thresholds Thresholds) (*Result, error) {
	start := time.Now()

	sides, err := e.catalog.SideMap(ctx)
	if err != nil {
		return nil, err
	}

	index, totalDecks, err := e.buildIndex(ctx, scope, sides)
	if err != nil {
		return nil, err
	}

	e.logger.Info("deck index built",
		"scope", scope.String(),
		"decks", totalDecks,
		"cards", len(index),
	)

	rows := computePairs(index, totalDecks, thresholds)

	if err := e.correlations.ReplaceScope(ctx, scope.Format, scope.Side, scope.Patch.ID, rows); err != nil {
		return nil, err
	}

	eligible := 0
	for _, decks := range index {
		if len(decks) >= thresholds.MinAppearances {
			eligible++
		}
	}

	return &Result{
		TotalDecks:    totalDecks,
		EligibleCards: eligible,
		Rows:          len(rows),
		Duration:      time.Since(start),
	}, nil
}

// buildIndex streams draw-deck rows for the scope's date range into an
// inverted index card -> set of deck ids, keeping only cards of the
// scope's side.
func (e *Engine) buildIndex(ctx context.Context, scope Scope, sides map[string]models.Side) (map[string]map[deckKey]struct{}, int, error) {
	index := make(map[string]map[deckKey]struct{})
	decks := make(map[deckKey]struct{})

	startDate := scope.Patch.PatchDate
	err := e.games.StreamDrawDeckCards(ctx, scope.Format, &startDate, scope.Patch.EndDate,
		func(row repository.DeckCardRow) error {
			if sides[row.Blueprint] != scope.Side {
				return nil
			}
			key := deckKey{gameID: row.GameID, playerID: row.PlayerID}
			decks[key] = struct{}{}
			set, ok := index[row.Blueprint]
			if !ok {
				set = make(map[deckKey]struct{})
				index[row.Blueprint] = set
			}
			set[key] = struct{}{}
			return nil
		})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build deck index: %w", err)
	}

	return index, len(decks), nil
}

// computePairs materializes correlations for co-occurring pairs of
// eligible cards. Work is partitioned across workers by first-card
// index; results merge under a mutex.
func computePairs(index map[string]map[deckKey]struct{}, totalDecks int, thresholds Thresholds) []*models.CardCorrelation {
	if totalDecks == 0 {
		return nil
	}

	cards := make([]string, 0, len(index))
	for card, decks := range index {
		if len(decks) >= thresholds.MinAppearances {
			cards = append(cards, card)
		}
	}
	if len(cards) < 2 {
		return nil
	}
	sort.Strings(cards)

	workers := thresholds.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var (
		mu   sync.Mutex
		out  []*models.CardCorrelation
		wg   sync.WaitGroup
		next = make(chan int)
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []*models.CardCorrelation
			for i := range next {
				cardA := cards[i]
				decksA := index[cardA]
				aCount := len(decksA)

				for _, cardB := range cards[i+1:] {
					decksB := index[cardB]
					bCount := len(decksB)

					// Iterate the smaller set for the intersection.
					small, large := decksA, decksB
					if len(decksB) < len(decksA) {
						small, large = decksB, decksA
					}
					together := 0
					for key := range small {
						if _, ok := large[key]; ok {
							together++
						}
					}
					if together == 0 {
						continue
					}

					union := aCount + bCount - together
					jaccard := float64(together) / float64(union)
					lift := float64(together) * float64(totalDecks) / (float64(aCount) * float64(bCount))
					if lift < thresholds.MinLift {
						continue
					}

					local = append(local, &models.CardCorrelation{
						CardA:         cardA,
						CardB:         cardB,
						TogetherCount: together,
						CardACount:    aCount,
						CardBCount:    bCount,
						TotalDecks:    totalDecks,
						Jaccard:       jaccard,
						Lift:          lift,
					})
				}
			}
			if len(local) > 0 {
				mu.Lock()
				out = append(out, local...)
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < len(cards)-1; i++ {
		next <- i
	}
	close(next)
	wg.Wait()

	return out
}
