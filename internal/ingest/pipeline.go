package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/middleearthgames/gemp-analytics/internal/blueprint"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

// CurrentProcessingVersion is bumped whenever extraction or
// classification changes in a way that requires reprocessing stored
// games. Games ingested at an older version are replaced on the next
// run over the same raw data.
const CurrentProcessingVersion = 1

// Options controls one pipeline run.
type Options struct {
	// Limit caps the number of records consumed. 0 means unlimited.
	Limit int
	// BatchSize is the number of games per write transaction.
	BatchSize int
	// Workers is the parse/classify concurrency.
	Workers int
	// DryRun performs all validation and transformation but commits
	// nothing.
	DryRun bool
}

// DefaultOptions returns the options used by the CLI when no flags are
// given.
func DefaultOptions() Options {
	return Options{
		BatchSize: 100,
		Workers:   runtime.NumCPU(),
	}
}

// Summary reports the outcome of a pipeline run. Nothing is dropped
// without a counted reason.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int
	Replaced  int
	Duration  time.Duration
	// Reasons counts skips and failures by category.
	Reasons map[string]int
}

// Pipeline ingests raw game records into game and deck card facts.
type Pipeline struct {
	games      repository.GameRepository
	joblog     repository.ComputationLogRepository
	normalizer *blueprint.Normalizer
	// version is the processing version stamped on every written game.
	// Bumping it makes previously ingested games eligible for
	// replacement.
	version int
	logger  *slog.Logger

	progress rate.Sometimes
}

// NewPipeline creates an ingestion pipeline writing facts at the given
// processing version.
func NewPipeline(
	games repository.GameRepository,
	joblog repository.ComputationLogRepository,
	normalizer *blueprint.Normalizer,
	version int,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		games:      games,
		joblog:     joblog,
		normalizer: normalizer,
		version:    version,
		logger:     logger,
		progress:   rate.Sometimes{Interval: 5 * time.Second},
	}
}

// item is one converted game headed for the writer.
type item struct {
	game     *repository.GameWithCards
	replaced bool
}

// Run consumes the source to exhaustion (or Limit) and returns a
// summary. Per-record problems are counted, not fatal; a failed write
// transaction aborts the run.
func (p *Pipeline) Run(ctx context.Context, source Source, opts Options) (*Summary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	// Dry run commits nothing, job bookkeeping included.
	if opts.DryRun {
		return p.run(ctx, source, opts)
	}

	entry, err := p.joblog.Start(ctx, "ingest", "")
	if err != nil {
		return nil, err
	}

	summary, runErr := p.run(ctx, source, opts)
	if runErr != nil {
		if failErr := p.joblog.Fail(context.WithoutCancel(ctx), entry.ID, runErr.Error()); failErr != nil {
			p.logger.Error("failed to record job failure", "error", failErr)
		}
		return summary, runErr
	}

	if err := p.joblog.Complete(ctx, entry.ID, summary.Processed); err != nil {
		return summary, fmt.Errorf("failed to record job completion: %w", err)
	}
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, source Source, opts Options) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Reasons: make(map[string]int)}

	var mu sync.Mutex
	count := func(category string) {
		mu.Lock()
		summary.Reasons[category]++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan *RawGameRecord, opts.Workers)
	items := make(chan item, opts.Workers)

	// Reader: one goroutine drains the source. Malformed records are
	// counted and skipped over.
	var readErr error
	go func() {
		defer close(records)
		consumed := 0
		for opts.Limit == 0 || consumed < opts.Limit {
			rec, err := source.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				count("failed_malformed")
				p.logger.Warn("skipping malformed record", "error", err)
				continue
			}
			consumed++
			select {
			case records <- rec:
			case <-ctx.Done():
				readErr = ctx.Err()
				return
			}
		}
	}()

	// Workers: parse, validate, classify.
	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range records {
				it, skip, fail, err := p.convert(ctx, rec)
				if err != nil {
					mu.Lock()
					summary.Failed++
					mu.Unlock()
					count("failed_storage_read")
					p.logger.Error("record conversion failed", "game_id", rec.GameID, "error", err)
					continue
				}
				if skip != "" {
					mu.Lock()
					summary.Skipped++
					mu.Unlock()
					count("skipped_" + skip)
					continue
				}
				if fail != "" {
					mu.Lock()
					summary.Failed++
					mu.Unlock()
					count("failed_" + fail)
					continue
				}
				select {
				case items <- it:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(items)
	}()

	// Single writer: batch commits bound transaction size.
	batch := make([]*repository.GameWithCards, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 || opts.DryRun {
			batch = batch[:0]
			return nil
		}
		if err := p.games.ReplaceGames(ctx, batch); err != nil {
			return fmt.Errorf("failed to write batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for it := range items {
		batch = append(batch, it.game)
		summary.Processed++
		if it.replaced {
			summary.Replaced++
		}
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				cancel()
				// Drain so the workers can exit.
				for range items {
				}
				summary.Duration = time.Since(start)
				return summary, err
			}
		}
		p.progress.Do(func() {
			p.logger.Info("ingestion progress",
				"processed", summary.Processed,
				"skipped", summary.Skipped,
				"failed", summary.Failed,
			)
		})
	}
	if err := flush(); err != nil {
		summary.Duration = time.Since(start)
		return summary, err
	}

	summary.Duration = time.Since(start)
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return summary, readErr
	}
	return summary, ctx.Err()
}

// convert validates and transforms one record. A non-empty skip or
// fail names the counter category; err reports a storage problem.
func (p *Pipeline) convert(ctx context.Context, rec *RawGameRecord) (it item, skip, fail string, err error) {
	if rec.MetadataVersion < MinMetadataVersion {
		p.logger.Warn("skipping old metadata version",
			"game_id", rec.GameID, "version", rec.MetadataVersion)
		return it, "metadata_version", "", nil
	}
	if !TargetFormats[rec.FormatName] {
		return it, "format", "", nil
	}

	stored, exists, err := p.games.GetProcessingVersion(ctx, rec.GameID)
	if err != nil {
		return it, "", "", err
	}
	if exists && stored >= p.version {
		return it, "already_processed", "", nil
	}
	it.replaced = exists

	if rec.WinnerID == 0 || rec.LoserID == 0 {
		return it, "", "player_reference", nil
	}

	winnerCards := p.extractDeck(rec.Decks[rec.Winner], rec.GameID, rec.WinnerID, true)
	loserCards := p.extractDeck(rec.Decks[rec.Loser], rec.GameID, rec.LoserID, false)
	if len(winnerCards) == 0 && len(loserCards) == 0 {
		return it, "", "no_deck_data", nil
	}

	// playedCards is recorded game-wide, so the same set marks both
	// players' cards.
	played := p.extractPlayed(rec)
	cards := append(winnerCards, loserCards...)
	for _, c := range cards {
		if played[c.Blueprint] {
			c.WasPlayed = true
		}
	}

	outcome, unknown := classifyOutcome(rec.WinReason, rec.LoseReason, rec.GameReplayInfo.WinnerSite)
	if unknown {
		p.logger.Warn("unknown win/lose reasons",
			"game_id", rec.GameID,
			"win_reason", rec.WinReason,
			"lose_reason", rec.LoseReason,
		)
	}

	var duration *int
	if !rec.StartDate.IsZero() && !rec.EndDate.IsZero() {
		d := int(rec.EndDate.Sub(rec.StartDate).Seconds())
		duration = &d
	}
	var tournament *string
	if rec.Tournament != "" {
		tournament = &rec.Tournament
	}

	it.game = &repository.GameWithCards{
		Fact: &models.GameFact{
			GameID:            rec.GameID,
			FormatName:        rec.FormatName,
			GameDate:          rec.StartDate,
			DurationSeconds:   duration,
			TournamentName:    tournament,
			WinnerPlayerID:    rec.WinnerID,
			LoserPlayerID:     rec.LoserID,
			OutcomeTier:       outcome,
			CompetitiveTier:   classifyCompetitive(rec),
			WinnerSite:        rec.GameReplayInfo.WinnerSite,
			LoserSite:         rec.GameReplayInfo.LoserSite,
			ProcessingVersion: p.version,
		},
		Cards: cards,
	}
	return it, "", "", nil
}

// extractDeck normalizes one player's deck into card facts. Draw deck
// copies collapse into counted rows; sites, ring-bearer and ring are
// singletons.
func (p *Pipeline) extractDeck(deck RawDeck, gameID, playerID int64, isWinner bool) []*models.DeckCardFact {
	var cards []*models.DeckCardFact

	counts := make(map[string]int)
	order := make([]string, 0, len(deck.DrawDeck))
	for _, id := range deck.DrawDeck {
		normalized := p.normalizer.Normalize(id)
		if counts[normalized] == 0 {
			order = append(order, normalized)
		}
		counts[normalized]++
	}
	for _, bp := range order {
		cards = append(cards, &models.DeckCardFact{
			GameID:    gameID,
			PlayerID:  playerID,
			Blueprint: bp,
			Role:      models.RoleDrawDeck,
			Count:     counts[bp],
			IsWinner:  isWinner,
		})
	}

	seen := make(map[string]bool)
	for _, id := range deck.AdventureDeck {
		bp := p.normalizer.Normalize(id)
		if seen[bp] {
			continue
		}
		seen[bp] = true
		cards = append(cards, &models.DeckCardFact{
			GameID: gameID, PlayerID: playerID, Blueprint: bp,
			Role: models.RoleSite, Count: 1, IsWinner: isWinner,
		})
	}
	if deck.RingBearer != "" {
		cards = append(cards, &models.DeckCardFact{
			GameID: gameID, PlayerID: playerID,
			Blueprint: p.normalizer.Normalize(deck.RingBearer),
			Role:      models.RoleRingBearer, Count: 1, IsWinner: isWinner,
		})
	}
	if deck.Ring != "" {
		cards = append(cards, &models.DeckCardFact{
			GameID: gameID, PlayerID: playerID,
			Blueprint: p.normalizer.Normalize(deck.Ring),
			Role:      models.RoleRing, Count: 1, IsWinner: isWinner,
		})
	}

	return cards
}

// extractPlayed resolves playedCards indices through allCards into a
// set of normalized blueprints.
func (p *Pipeline) extractPlayed(rec *RawGameRecord) map[string]bool {
	played := make(map[string]bool)
	for _, idx := range rec.PlayedCards {
		bp, ok := rec.AllCards[strconv.Itoa(idx)]
		if !ok {
			continue
		}
		played[p.normalizer.Normalize(bp)] = true
	}
	return played
}
