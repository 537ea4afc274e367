package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/blueprint"
	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()

	cfg := storage.DefaultConfig(":memory:")
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1

	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	schema, err := storage.Schema()
	if err != nil {
		t.Fatalf("failed to load schema: %v", err)
	}
	if _, err := db.Conn().Exec(schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

func testPipeline(t *testing.T, db *storage.DB, version int) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPipeline(
		repository.NewGameRepository(db),
		repository.NewComputationLogRepository(db),
		blueprint.NewNormalizer(nil),
		version,
		logger,
	)
}

func validRecord(gameID int64) *RawGameRecord {
	start := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	return &RawGameRecord{
		MetadataVersion: 2,
		GameID:          gameID,
		FormatName:      "Movie Block (PC)",
		Winner:          "frodo_fan",
		Loser:           "uruk_enjoyer",
		WinnerID:        100,
		LoserID:         200,
		WinReason:       "Surviving to end of Regroup phase on site 9",
		LoseReason:      "Last remaining player in game",
		StartDate:       start,
		EndDate:         start.Add(40 * time.Minute),
		Decks: map[string]RawDeck{
			"frodo_fan": {
				DrawDeck:      []string{"1_1", "1_1*", "1_2"},
				AdventureDeck: []string{"1_300"},
				RingBearer:    "1_290",
				Ring:          "1_2T",
			},
			"uruk_enjoyer": {
				DrawDeck: []string{"5_5", "5_6"},
			},
		},
		AllCards:    map[string]string{"0": "1_1*", "1": "5_5"},
		PlayedCards: []int{0, 1},
	}
}

func TestPipelineRun(t *testing.T) {
	db := setupTestDB(t)
	p := testPipeline(t, db, 1)
	games := repository.NewGameRepository(db)
	ctx := context.Background()

	summary, err := p.Run(ctx, NewSliceSource([]*RawGameRecord{validRecord(1)}), DefaultOptions())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if summary.Processed != 1 || summary.Skipped != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 processed", summary)
	}

	fact, err := games.GetGame(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get game: %v", err)
	}
	if fact == nil {
		t.Fatal("game not written")
	}
	if fact.OutcomeTier != models.OutcomeDecisive {
		t.Errorf("outcome tier = %d, want decisive", fact.OutcomeTier)
	}
	if fact.CompetitiveTier != models.TierCasual {
		t.Errorf("competitive tier = %d, want casual", fact.CompetitiveTier)
	}
	if fact.DurationSeconds == nil || *fact.DurationSeconds != 2400 {
		t.Errorf("duration = %v, want 2400", fact.DurationSeconds)
	}
	wantDate := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if !fact.GameDate.Equal(wantDate) {
		t.Errorf("game date = %v, want %v", fact.GameDate, wantDate)
	}

	// Winner: 1_1 x2 (foil collapsed), 1_2, site, ring-bearer, ring.
	// Loser: two draw deck cards.
	count, err := games.CountDeckCards(ctx, 1)
	if err != nil {
		t.Fatalf("failed to count deck cards: %v", err)
	}
	if count != 7 {
		t.Errorf("deck card count = %d, want 7", count)
	}
}

func TestPipelineWasPlayed(t *testing.T) {
	db := setupTestDB(t)
	p := testPipeline(t, db, 1)
	ctx := context.Background()

	if _, err := p.Run(ctx, NewSliceSource([]*RawGameRecord{validRecord(1)}), DefaultOptions()); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	rows, err := db.Conn().Query(
		`SELECT card_blueprint, was_played FROM deck_card_facts WHERE card_role = 'draw_deck'`)
	if err != nil {
		t.Fatalf("failed to query deck cards: %v", err)
	}
	defer rows.Close()

	played := make(map[string]bool)
	for rows.Next() {
		var bp string
		var was bool
		if err := rows.Scan(&bp, &was); err != nil {
			t.Fatalf("failed to scan: %v", err)
		}
		played[bp] = was
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("row error: %v", err)
	}

	// playedCards references the foil printing 1_1*; the normalized
	// blueprint must still be marked.
	if !played["1_1"] {
		t.Error("1_1 should be marked played via its foil printing")
	}
	if !played["5_5"] {
		t.Error("5_5 should be marked played")
	}
	if played["1_2"] || played["5_6"] {
		t.Error("unplayed cards marked played")
	}
}

func TestPipelineSkipsAndFailures(t *testing.T) {
	db := setupTestDB(t)
	p := testPipeline(t, db, 1)
	ctx := context.Background()

	oldVersion := validRecord(2)
	oldVersion.MetadataVersion = 1

	wrongFormat := validRecord(3)
	wrongFormat.FormatName = "Some Custom Format"

	noPlayer := validRecord(4)
	noPlayer.WinnerID = 0

	noDecks := validRecord(5)
	noDecks.Decks = nil

	records := []*RawGameRecord{validRecord(1), oldVersion, wrongFormat, noPlayer, noDecks}
	summary, err := p.Run(ctx, NewSliceSource(records), DefaultOptions())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if summary.Processed != 1 {
		t.Errorf("processed = %d, want 1", summary.Processed)
	}
	if summary.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", summary.Skipped)
	}
	if summary.Failed != 2 {
		t.Errorf("failed = %d, want 2", summary.Failed)
	}
	for _, category := range []string{"skipped_metadata_version", "skipped_format", "failed_player_reference", "failed_no_deck_data"} {
		if summary.Reasons[category] != 1 {
			t.Errorf("reason %s = %d, want 1", category, summary.Reasons[category])
		}
	}
}

func TestPipelineIdempotency(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p1 := testPipeline(t, db, 1)
	if _, err := p1.Run(ctx, NewSliceSource([]*RawGameRecord{validRecord(1)}), DefaultOptions()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Same version: skipped, not duplicated.
	summary, err := p1.Run(ctx, NewSliceSource([]*RawGameRecord{validRecord(1)}), DefaultOptions())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.Processed != 0 || summary.Skipped != 1 {
		t.Errorf("rerun summary = %+v, want 1 skipped", summary)
	}
	if summary.Reasons["skipped_already_processed"] != 1 {
		t.Errorf("reasons = %v", summary.Reasons)
	}

	// Bumped version: replaced.
	p2 := testPipeline(t, db, 2)
	summary, err = p2.Run(ctx, NewSliceSource([]*RawGameRecord{validRecord(1)}), DefaultOptions())
	if err != nil {
		t.Fatalf("version bump run failed: %v", err)
	}
	if summary.Processed != 1 || summary.Replaced != 1 {
		t.Errorf("version bump summary = %+v, want 1 processed / 1 replaced", summary)
	}

	games := repository.NewGameRepository(db)
	version, ok, err := games.GetProcessingVersion(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("failed to get version: %v (ok=%v)", err, ok)
	}
	if version != 2 {
		t.Errorf("stored version = %d, want 2", version)
	}
}

func TestPipelineDryRun(t *testing.T) {
	db := setupTestDB(t)
	p := testPipeline(t, db, 1)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.DryRun = true
	summary, err := p.Run(ctx, NewSliceSource([]*RawGameRecord{validRecord(1)}), opts)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("dry run processed = %d, want 1", summary.Processed)
	}

	games := repository.NewGameRepository(db)
	fact, err := games.GetGame(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get game: %v", err)
	}
	if fact != nil {
		t.Error("dry run wrote a game fact")
	}

	var logs int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM computation_log`).Scan(&logs); err != nil {
		t.Fatalf("failed to count computation log rows: %v", err)
	}
	if logs != 0 {
		t.Errorf("dry run wrote %d computation log rows, want 0", logs)
	}
}

func TestPipelineLimit(t *testing.T) {
	db := setupTestDB(t)
	p := testPipeline(t, db, 1)
	ctx := context.Background()

	records := []*RawGameRecord{validRecord(1), validRecord(2), validRecord(3)}
	opts := DefaultOptions()
	opts.Limit = 2
	summary, err := p.Run(ctx, NewSliceSource(records), opts)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if summary.Processed != 2 {
		t.Errorf("processed = %d, want 2", summary.Processed)
	}
}

func TestJSONLSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.jsonl")
	content := `{"metadataVersion":2,"gameId":1,"formatName":"Movie Block (PC)"}

not json
{"metadataVersion":2,"gameId":2,"formatName":"Expanded"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	source, err := NewJSONLSource(path)
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer source.Close()

	first, err := source.Next()
	if err != nil || first.GameID != 1 {
		t.Fatalf("first record = %+v, %v", first, err)
	}

	// The blank line is skipped; the malformed line is a per-record
	// error that does not end iteration.
	if _, err := source.Next(); err == nil {
		t.Fatal("expected error for malformed line")
	}

	third, err := source.Next()
	if err != nil || third.GameID != 2 {
		t.Fatalf("third record = %+v, %v", third, err)
	}

	if _, err := source.Next(); err == nil {
		t.Fatal("expected EOF")
	}
}

func TestPipelineMalformedRecordsCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.jsonl")
	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	source, err := NewJSONLSource(path)
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer source.Close()

	db := setupTestDB(t)
	p := testPipeline(t, db, 1)

	summary, err := p.Run(context.Background(), source, DefaultOptions())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if summary.Failed != 1 || summary.Reasons["failed_malformed"] != 1 {
		t.Errorf("summary = %+v, want 1 malformed failure", summary)
	}
}
