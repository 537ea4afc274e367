package repository

import (
	"context"
	"testing"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// setupTestDB creates an in-memory database with the full schema.
// A single connection is forced so every query sees the same in-memory
// database.
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

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("bad test date %q: %v", s, err)
	}
	return d
}

// testGame builds a two-player game with a small draw deck per player.
func testGame(gameID int64, date time.Time, format string) *GameWithCards {
	fact := &models.GameFact{
		GameID:            gameID,
		FormatName:        format,
		GameDate:          date,
		WinnerPlayerID:    100,
		LoserPlayerID:     200,
		OutcomeTier:       models.OutcomeDecisive,
		CompetitiveTier:   models.TierCasual,
		ProcessingVersion: 1,
	}
	cards := []*models.DeckCardFact{
		{GameID: gameID, PlayerID: 100, Blueprint: "1_1", Role: models.RoleDrawDeck, Count: 2, IsWinner: true, WasPlayed: true},
		{GameID: gameID, PlayerID: 100, Blueprint: "1_2", Role: models.RoleDrawDeck, Count: 1, IsWinner: true},
		{GameID: gameID, PlayerID: 100, Blueprint: "1_300", Role: models.RoleSite, Count: 1, IsWinner: true},
		{GameID: gameID, PlayerID: 200, Blueprint: "2_5", Role: models.RoleDrawDeck, Count: 3, IsWinner: false, WasPlayed: true},
	}
	return &GameWithCards{Fact: fact, Cards: cards}
}

func TestGameRepository_ReplaceGames(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGameRepository(db)
	ctx := context.Background()

	date := mustDate(t, "2025-03-01")
	if err := repo.ReplaceGames(ctx, []*GameWithCards{testGame(1, date, "fotr_block")}); err != nil {
		t.Fatalf("failed to replace games: %v", err)
	}

	got, err := repo.GetGame(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get game: %v", err)
	}
	if got == nil {
		t.Fatal("expected game to be found")
	}
	if got.FormatName != "fotr_block" {
		t.Errorf("format = %q, want fotr_block", got.FormatName)
	}
	if !got.GameDate.Equal(date) {
		t.Errorf("game date = %v, want %v", got.GameDate, date)
	}

	count, err := repo.CountDeckCards(ctx, 1)
	if err != nil {
		t.Fatalf("failed to count deck cards: %v", err)
	}
	if count != 4 {
		t.Errorf("deck card count = %d, want 4", count)
	}
}

func TestGameRepository_ReplaceGamesReprocess(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGameRepository(db)
	ctx := context.Background()

	date := mustDate(t, "2025-03-01")
	if err := repo.ReplaceGames(ctx, []*GameWithCards{testGame(1, date, "fotr_block")}); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}

	// Reprocess at a newer version with a smaller deck. The old card
	// facts must not survive.
	g := testGame(1, date, "fotr_block")
	g.Fact.ProcessingVersion = 2
	g.Cards = g.Cards[:2]
	if err := repo.ReplaceGames(ctx, []*GameWithCards{g}); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	version, ok, err := repo.GetProcessingVersion(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get processing version: %v", err)
	}
	if !ok || version != 2 {
		t.Errorf("processing version = %d (ok=%v), want 2", version, ok)
	}

	count, err := repo.CountDeckCards(ctx, 1)
	if err != nil {
		t.Fatalf("failed to count deck cards: %v", err)
	}
	if count != 2 {
		t.Errorf("deck card count after reprocess = %d, want 2", count)
	}
}

func TestGameRepository_GetProcessingVersionMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGameRepository(db)

	_, ok, err := repo.GetProcessingVersion(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing game")
	}
}

func TestGameRepository_StreamDrawDeckCards(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGameRepository(db)
	ctx := context.Background()

	d1 := mustDate(t, "2025-03-01")
	d2 := mustDate(t, "2025-03-10")
	games := []*GameWithCards{testGame(1, d1, "fotr_block"), testGame(2, d2, "fotr_block")}
	if err := repo.ReplaceGames(ctx, games); err != nil {
		t.Fatalf("failed to replace games: %v", err)
	}

	var rows []DeckCardRow
	end := mustDate(t, "2025-03-05")
	err := repo.StreamDrawDeckCards(ctx, "fotr_block", &d1, &end, func(r DeckCardRow) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to stream deck cards: %v", err)
	}

	// Game 1 only, and only its draw_deck rows (the site card is excluded).
	if len(rows) != 3 {
		t.Fatalf("streamed %d rows, want 3", len(rows))
	}
	for _, r := range rows {
		if r.GameID != 1 {
			t.Errorf("streamed game %d outside date range", r.GameID)
		}
		if r.Blueprint == "1_300" {
			t.Error("site card leaked into draw deck stream")
		}
	}
}

func TestDailyStatsRepository_ComputeAndReplace(t *testing.T) {
	db := setupTestDB(t)
	games := NewGameRepository(db)
	stats := NewDailyStatsRepository(db)
	ctx := context.Background()

	date := mustDate(t, "2025-03-01")
	if err := games.ReplaceGames(ctx, []*GameWithCards{testGame(1, date, "fotr_block")}); err != nil {
		t.Fatalf("failed to replace games: %v", err)
	}

	rows, players, err := stats.ComputeDate(ctx, date)
	if err != nil {
		t.Fatalf("failed to compute date: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("expected stat rows")
	}

	for _, s := range rows {
		if s.DeckWins > s.DeckAppearances {
			t.Errorf("card %s: deck_wins %d > deck_appearances %d", s.Blueprint, s.DeckWins, s.DeckAppearances)
		}
		if s.PlayedAppearances > s.DeckAppearances {
			t.Errorf("card %s: played_appearances %d > deck_appearances %d", s.Blueprint, s.PlayedAppearances, s.DeckAppearances)
		}
	}

	if err := stats.ReplaceDate(ctx, date, rows, players); err != nil {
		t.Fatalf("failed to replace date: %v", err)
	}
	// Replacing again must not error or duplicate.
	if err := stats.ReplaceDate(ctx, date, rows, players); err != nil {
		t.Fatalf("failed to re-replace date: %v", err)
	}

	got, err := stats.GetCardStats(ctx, "1_1", StatFilter{FormatName: "fotr_block"}, date, date)
	if err != nil {
		t.Fatalf("failed to get card stats: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d stat rows for 1_1, want 1", len(got))
	}
	if got[0].DeckAppearances != 1 || got[0].DeckWins != 1 {
		t.Errorf("1_1 stats = %d appearances / %d wins, want 1/1", got[0].DeckAppearances, got[0].DeckWins)
	}
	if got[0].TotalCopies != 2 {
		t.Errorf("1_1 total copies = %d, want 2", got[0].TotalCopies)
	}

	playerCount, err := stats.CountDistinctPlayers(ctx, "1_1", StatFilter{}, date, date)
	if err != nil {
		t.Fatalf("failed to count players: %v", err)
	}
	if playerCount != 1 {
		t.Errorf("distinct players = %d, want 1", playerCount)
	}
}

func TestDailyStatsRepository_TierFilter(t *testing.T) {
	db := setupTestDB(t)
	games := NewGameRepository(db)
	stats := NewDailyStatsRepository(db)
	ctx := context.Background()

	date := mustDate(t, "2025-03-01")
	casual := testGame(1, date, "fotr_block")
	tourney := testGame(2, date, "fotr_block")
	tourney.Fact.CompetitiveTier = models.TierTournament
	if err := games.ReplaceGames(ctx, []*GameWithCards{casual, tourney}); err != nil {
		t.Fatalf("failed to replace games: %v", err)
	}

	rows, players, err := stats.ComputeDate(ctx, date)
	if err != nil {
		t.Fatalf("failed to compute date: %v", err)
	}
	if err := stats.ReplaceDate(ctx, date, rows, players); err != nil {
		t.Fatalf("failed to replace date: %v", err)
	}

	all, err := stats.GetCardStats(ctx, "1_1", StatFilter{}, date, date)
	if err != nil {
		t.Fatalf("failed to get unfiltered stats: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered rows = %d, want 2 (one per tier cell)", len(all))
	}

	filtered, err := stats.GetCardStats(ctx, "1_1",
		StatFilter{CompetitiveTiers: []models.CompetitiveTier{models.TierTournament}}, date, date)
	if err != nil {
		t.Fatalf("failed to get filtered stats: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("filtered rows = %d, want 1", len(filtered))
	}
	if filtered[0].CompetitiveTier != models.TierTournament {
		t.Errorf("filtered tier = %d, want tournament", filtered[0].CompetitiveTier)
	}
}

func TestComputationLogRepository_AdvisoryLock(t *testing.T) {
	db := setupTestDB(t)
	repo := NewComputationLogRepository(db)
	ctx := context.Background()

	entry, err := repo.Start(ctx, "aggregate", "2025-03-01")
	if err != nil {
		t.Fatalf("failed to start job: %v", err)
	}
	if entry.RunID == "" {
		t.Error("expected run id to be set")
	}

	// Same scope: refused.
	if _, err := repo.Start(ctx, "aggregate", "2025-03-01"); err != ErrJobRunning {
		t.Errorf("duplicate start error = %v, want ErrJobRunning", err)
	}

	// Different scope: allowed.
	other, err := repo.Start(ctx, "aggregate", "2025-03-02")
	if err != nil {
		t.Fatalf("different scope refused: %v", err)
	}

	if err := repo.Complete(ctx, entry.ID, 42); err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	if err := repo.Fail(ctx, other.ID, "boom"); err != nil {
		t.Fatalf("failed to fail job: %v", err)
	}

	// Lock released after completion.
	if _, err := repo.Start(ctx, "aggregate", "2025-03-01"); err != nil {
		t.Errorf("restart after completion refused: %v", err)
	}

	latest, err := repo.GetLatest(ctx, "aggregate", "2025-03-02")
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest == nil || latest.Status != models.StatusFailed {
		t.Errorf("latest status = %+v, want failed", latest)
	}
	if latest.ErrorMessage == nil || *latest.ErrorMessage != "boom" {
		t.Errorf("error message = %v, want boom", latest.ErrorMessage)
	}
}

func TestCorrelationRepository_ReplaceScope(t *testing.T) {
	db := setupTestDB(t)
	patches := NewPatchRepository(db)
	repo := NewCorrelationRepository(db)
	ctx := context.Background()

	patch, err := patches.Create(ctx, "shadows", mustDate(t, "2025-01-15"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}

	rows := []*models.CardCorrelation{
		// Deliberately reversed ordering; the repo must canonicalize.
		{CardA: "1_9", CardB: "1_3", TogetherCount: 80, CardACount: 90, CardBCount: 100, TotalDecks: 500, Jaccard: 0.72, Lift: 4.4},
		{CardA: "1_3", CardB: "1_5", TogetherCount: 60, CardACount: 100, CardBCount: 70, TotalDecks: 500, Jaccard: 0.55, Lift: 4.2},
	}
	if err := repo.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID, rows); err != nil {
		t.Fatalf("failed to replace scope: %v", err)
	}

	pair, err := repo.GetPair(ctx, "1_9", "1_3", "fotr_block", models.SideFreePeoples, patch.ID)
	if err != nil {
		t.Fatalf("failed to get pair: %v", err)
	}
	if pair == nil {
		t.Fatal("expected pair to be found")
	}
	if pair.CardA != "1_3" || pair.CardB != "1_9" {
		t.Errorf("pair stored as (%s, %s), want canonical (1_3, 1_9)", pair.CardA, pair.CardB)
	}
	// Counts must follow the swap.
	if pair.CardACount != 100 || pair.CardBCount != 90 {
		t.Errorf("pair counts = (%d, %d), want (100, 90)", pair.CardACount, pair.CardBCount)
	}

	// Replace again with one row; scope is fully rewritten.
	if err := repo.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID, rows[:1]); err != nil {
		t.Fatalf("failed to re-replace scope: %v", err)
	}
	count, err := repo.CountScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID)
	if err != nil {
		t.Fatalf("failed to count scope: %v", err)
	}
	if count != 1 {
		t.Errorf("scope count after re-replace = %d, want 1", count)
	}
}

func TestCorrelationRepository_GetScopeThresholds(t *testing.T) {
	db := setupTestDB(t)
	patches := NewPatchRepository(db)
	repo := NewCorrelationRepository(db)
	ctx := context.Background()

	patch, err := patches.Create(ctx, "shadows", mustDate(t, "2025-01-15"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}

	rows := []*models.CardCorrelation{
		{CardA: "1_1", CardB: "1_2", TogetherCount: 100, CardACount: 120, CardBCount: 110, TotalDecks: 500, Jaccard: 0.7, Lift: 3.0},
		{CardA: "1_1", CardB: "1_3", TogetherCount: 30, CardACount: 120, CardBCount: 40, TotalDecks: 500, Jaccard: 0.2, Lift: 3.1},
		{CardA: "1_2", CardB: "1_3", TogetherCount: 100, CardACount: 110, CardBCount: 400, TotalDecks: 500, Jaccard: 0.24, Lift: 1.1},
	}
	if err := repo.ReplaceScope(ctx, "fotr_block", models.SideShadow, patch.ID, rows); err != nil {
		t.Fatalf("failed to replace scope: %v", err)
	}

	got, err := repo.GetScope(ctx, "fotr_block", models.SideShadow, patch.ID, 1.5, 50)
	if err != nil {
		t.Fatalf("failed to get scope: %v", err)
	}
	// Row 2 fails together_count >= 50, row 3 fails lift >= 1.5.
	if len(got) != 1 {
		t.Fatalf("thresholded scope = %d rows, want 1", len(got))
	}
	if got[0].CardA != "1_1" || got[0].CardB != "1_2" {
		t.Errorf("surviving pair = (%s, %s), want (1_1, 1_2)", got[0].CardA, got[0].CardB)
	}
}

func TestPatchRepository_EraDerivation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPatchRepository(db)
	ctx := context.Background()

	if _, err := repo.Create(ctx, "fellowship", mustDate(t, "2025-01-01")); err != nil {
		t.Fatalf("failed to create first patch: %v", err)
	}
	if _, err := repo.Create(ctx, "towers", mustDate(t, "2025-04-01")); err != nil {
		t.Fatalf("failed to create second patch: %v", err)
	}

	patches, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list patches: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("patch count = %d, want 2", len(patches))
	}

	if patches[0].EndDate == nil {
		t.Fatal("first era should have an end date")
	}
	want := mustDate(t, "2025-03-31")
	if !patches[0].EndDate.Equal(want) {
		t.Errorf("first era end = %v, want %v", patches[0].EndDate, want)
	}
	if patches[1].EndDate != nil {
		t.Error("latest era should be open-ended")
	}

	mid, err := repo.ForDate(ctx, mustDate(t, "2025-02-15"))
	if err != nil {
		t.Fatalf("failed to get patch for date: %v", err)
	}
	if mid == nil || mid.Name != "fellowship" {
		t.Errorf("patch for 2025-02-15 = %+v, want fellowship", mid)
	}

	before, err := repo.ForDate(ctx, mustDate(t, "2024-12-01"))
	if err != nil {
		t.Fatalf("failed to get patch for early date: %v", err)
	}
	if before != nil {
		t.Errorf("patch before first era = %+v, want nil", before)
	}
}

func TestPatchRepository_CreateInvalidatesPrecedingEra(t *testing.T) {
	db := setupTestDB(t)
	patches := NewPatchRepository(db)
	correlations := NewCorrelationRepository(db)
	communities := NewCommunityRepository(db)
	ctx := context.Background()

	first, err := patches.Create(ctx, "fellowship", mustDate(t, "2025-01-01"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}

	rows := []*models.CardCorrelation{
		{CardA: "1_1", CardB: "1_2", TogetherCount: 60, CardACount: 70, CardBCount: 80, TotalDecks: 500, Jaccard: 0.6, Lift: 3.0},
	}
	if err := correlations.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, first.ID, rows); err != nil {
		t.Fatalf("failed to write correlations: %v", err)
	}

	name := "Elven Archery"
	state := []*CommunityWithMembers{{
		Community: &models.CardCommunity{Name: &name, IsValid: true, CardCount: 1},
		Members:   []*models.CommunityMembership{{Blueprint: "1_1", Centrality: 1, Type: models.MembershipCore}},
	}}
	if err := communities.ApplyDetection(ctx, "fotr_block", models.SideFreePeoples, first.ID, state); err != nil {
		t.Fatalf("failed to apply detection: %v", err)
	}

	// The new patch splits the fellowship era; its derived data is stale.
	if _, err := patches.Create(ctx, "towers", mustDate(t, "2025-04-01")); err != nil {
		t.Fatalf("failed to create second patch: %v", err)
	}

	count, err := correlations.CountScope(ctx, "fotr_block", models.SideFreePeoples, first.ID)
	if err != nil {
		t.Fatalf("failed to count correlations: %v", err)
	}
	if count != 0 {
		t.Errorf("stale correlations remaining = %d, want 0", count)
	}

	comms, err := communities.ListByScope(ctx, "fotr_block", models.SideFreePeoples, first.ID)
	if err != nil {
		t.Fatalf("failed to list communities: %v", err)
	}
	for _, c := range comms {
		if c.IsValid {
			t.Errorf("community %d still valid after era split", c.ID)
		}
	}
}

func TestPatchRepository_DeleteCascades(t *testing.T) {
	db := setupTestDB(t)
	patches := NewPatchRepository(db)
	correlations := NewCorrelationRepository(db)
	ctx := context.Background()

	patch, err := patches.Create(ctx, "fellowship", mustDate(t, "2025-01-01"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}
	rows := []*models.CardCorrelation{
		{CardA: "1_1", CardB: "1_2", TogetherCount: 60, CardACount: 70, CardBCount: 80, TotalDecks: 500, Jaccard: 0.6, Lift: 3.0},
	}
	if err := correlations.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID, rows); err != nil {
		t.Fatalf("failed to write correlations: %v", err)
	}

	if err := patches.Delete(ctx, patch.ID); err != nil {
		t.Fatalf("failed to delete patch: %v", err)
	}

	count, err := correlations.CountScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID)
	if err != nil {
		t.Fatalf("failed to count correlations: %v", err)
	}
	if count != 0 {
		t.Errorf("correlations after patch delete = %d, want 0", count)
	}
}

func TestCommunityRepository_ApplyDetectionPreservesCuration(t *testing.T) {
	db := setupTestDB(t)
	patches := NewPatchRepository(db)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	patch, err := patches.Create(ctx, "fellowship", mustDate(t, "2025-01-01"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}

	state := []*CommunityWithMembers{
		{
			Community: &models.CardCommunity{CardCount: 2, AvgInternalLift: 3.0},
			Members: []*models.CommunityMembership{
				{Blueprint: "1_1", Centrality: 0.9, Type: models.MembershipCore},
				{Blueprint: "1_2", Centrality: 0.7, Type: models.MembershipCore},
			},
		},
		{
			Community: &models.CardCommunity{IsOrphanPool: true},
			Members:   []*models.CommunityMembership{{Blueprint: "9_9", Type: models.MembershipCore}},
		},
	}
	if err := repo.ApplyDetection(ctx, "fotr_block", models.SideShadow, patch.ID, state); err != nil {
		t.Fatalf("failed to apply detection: %v", err)
	}

	comms, err := repo.ListByScope(ctx, "fotr_block", models.SideShadow, patch.ID)
	if err != nil {
		t.Fatalf("failed to list communities: %v", err)
	}
	if len(comms) != 2 {
		t.Fatalf("community count = %d, want 2", len(comms))
	}
	// Orphan pool sorts last.
	detected, orphan := comms[0], comms[1]
	if !orphan.IsOrphanPool {
		t.Fatal("expected orphan pool to sort last")
	}

	name := "Moria Swarm"
	if err := repo.UpdateName(ctx, detected.ID, &name); err != nil {
		t.Fatalf("failed to name community: %v", err)
	}
	if err := repo.SetValidity(ctx, detected.ID, true); err != nil {
		t.Fatalf("failed to validate community: %v", err)
	}
	if err := repo.AddCustomMembership(ctx, detected.ID, "5_5"); err != nil {
		t.Fatalf("failed to add custom membership: %v", err)
	}

	// Re-detection carries the community forward under the same id with
	// new core members plus the preserved custom card.
	newState := []*CommunityWithMembers{
		{
			Community: &models.CardCommunity{ID: detected.ID, Name: &name, IsValid: true, CardCount: 3, AvgInternalLift: 3.5},
			Members: []*models.CommunityMembership{
				{Blueprint: "1_1", Centrality: 0.95, Type: models.MembershipCore},
				{Blueprint: "1_3", Centrality: 0.6, Type: models.MembershipCore},
				{Blueprint: "5_5", Type: models.MembershipCustom},
			},
		},
		{
			Community: &models.CardCommunity{ID: orphan.ID, IsOrphanPool: true},
			Members:   []*models.CommunityMembership{{Blueprint: "1_2", Type: models.MembershipCore}},
		},
	}
	if err := repo.ApplyDetection(ctx, "fotr_block", models.SideShadow, patch.ID, newState); err != nil {
		t.Fatalf("failed to re-apply detection: %v", err)
	}

	got, err := repo.GetCommunity(ctx, detected.ID)
	if err != nil {
		t.Fatalf("failed to get community: %v", err)
	}
	if got == nil {
		t.Fatal("carried-forward community vanished")
	}
	if got.Name == nil || *got.Name != name {
		t.Errorf("community name = %v, want %q", got.Name, name)
	}
	if !got.IsValid {
		t.Error("community validity lost across re-detection")
	}

	members, err := repo.GetMembers(ctx, detected.ID)
	if err != nil {
		t.Fatalf("failed to get members: %v", err)
	}
	var hasCustom bool
	for _, m := range members {
		if m.Blueprint == "5_5" && m.Type == models.MembershipCustom {
			hasCustom = true
		}
	}
	if !hasCustom {
		t.Error("custom membership lost across re-detection")
	}
}

func TestCommunityRepository_OrphanPoolValidityFixed(t *testing.T) {
	db := setupTestDB(t)
	patches := NewPatchRepository(db)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	patch, err := patches.Create(ctx, "fellowship", mustDate(t, "2025-01-01"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}
	state := []*CommunityWithMembers{
		{Community: &models.CardCommunity{IsOrphanPool: true}},
	}
	if err := repo.ApplyDetection(ctx, "fotr_block", models.SideShadow, patch.ID, state); err != nil {
		t.Fatalf("failed to apply detection: %v", err)
	}
	comms, err := repo.ListByScope(ctx, "fotr_block", models.SideShadow, patch.ID)
	if err != nil || len(comms) != 1 {
		t.Fatalf("failed to list communities: %v (%d)", err, len(comms))
	}
	pool := comms[0]

	if err := repo.SetValidity(ctx, pool.ID, false); err != ErrOrphanPoolValidity {
		t.Errorf("SetValidity(false) error = %v, want ErrOrphanPoolValidity", err)
	}
	if err := repo.SetValidity(ctx, pool.ID, true); err != ErrOrphanPoolValidity {
		t.Errorf("SetValidity(true) error = %v, want ErrOrphanPoolValidity", err)
	}

	got, err := repo.GetCommunity(ctx, pool.ID)
	if err != nil {
		t.Fatalf("failed to get community: %v", err)
	}
	if got.IsValid != pool.IsValid {
		t.Error("orphan pool validity changed")
	}
}

func TestCommunityRepository_CurationMissingCommunity(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	name := "Ghosts"
	if err := repo.UpdateName(ctx, 12345, &name); err != ErrCommunityNotFound {
		t.Errorf("UpdateName error = %v, want ErrCommunityNotFound", err)
	}
	if err := repo.AddCustomMembership(ctx, 12345, "1_1"); err != ErrCommunityNotFound {
		t.Errorf("AddCustomMembership error = %v, want ErrCommunityNotFound", err)
	}
	if err := repo.SetValidity(ctx, 12345, true); err != ErrCommunityNotFound {
		t.Errorf("SetValidity error = %v, want ErrCommunityNotFound", err)
	}
}

func TestAssignmentRepository_ReplaceScope(t *testing.T) {
	db := setupTestDB(t)
	games := NewGameRepository(db)
	patches := NewPatchRepository(db)
	communities := NewCommunityRepository(db)
	repo := NewAssignmentRepository(db)
	ctx := context.Background()

	date := mustDate(t, "2025-03-01")
	if err := games.ReplaceGames(ctx, []*GameWithCards{testGame(1, date, "fotr_block")}); err != nil {
		t.Fatalf("failed to replace games: %v", err)
	}
	patch, err := patches.Create(ctx, "fellowship", mustDate(t, "2025-01-01"))
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}

	state := []*CommunityWithMembers{{
		Community: &models.CardCommunity{CardCount: 1},
		Members:   []*models.CommunityMembership{{Blueprint: "1_1", Centrality: 1, Type: models.MembershipCore}},
	}}
	if err := communities.ApplyDetection(ctx, "fotr_block", models.SideFreePeoples, patch.ID, state); err != nil {
		t.Fatalf("failed to apply detection: %v", err)
	}
	comms, err := communities.ListByScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID)
	if err != nil || len(comms) != 1 {
		t.Fatalf("failed to list communities: %v (%d)", err, len(comms))
	}

	assignments := []*models.DeckArchetypeAssignment{
		{GameID: 1, PlayerID: 100, CommunityID: comms[0].ID, MatchScore: 0.8},
	}
	if err := repo.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID, assignments); err != nil {
		t.Fatalf("failed to replace assignments: %v", err)
	}

	got, err := repo.Get(ctx, 1, 100)
	if err != nil {
		t.Fatalf("failed to get assignment: %v", err)
	}
	if got == nil || got.MatchScore != 0.8 {
		t.Errorf("assignment = %+v, want score 0.8", got)
	}

	counts, err := repo.CountByCommunity(ctx, "fotr_block", models.SideFreePeoples, patch.ID)
	if err != nil {
		t.Fatalf("failed to count by community: %v", err)
	}
	if counts[comms[0].ID] != 1 {
		t.Errorf("community deck count = %d, want 1", counts[comms[0].ID])
	}

	// External readers see the count on the community row itself.
	updated, err := communities.GetCommunity(ctx, comms[0].ID)
	if err != nil {
		t.Fatalf("failed to get community: %v", err)
	}
	if updated.DeckCount != 1 {
		t.Errorf("community deck_count = %d, want 1", updated.DeckCount)
	}

	if err := repo.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID, nil); err != nil {
		t.Fatalf("failed to clear assignments: %v", err)
	}
	cleared, err := communities.GetCommunity(ctx, comms[0].ID)
	if err != nil {
		t.Fatalf("failed to get community: %v", err)
	}
	if cleared.DeckCount != 0 {
		t.Errorf("community deck_count after clear = %d, want 0", cleared.DeckCount)
	}

	// Empty replace clears the scope.
	if err := repo.ReplaceScope(ctx, "fotr_block", models.SideFreePeoples, patch.ID, nil); err != nil {
		t.Fatalf("failed to clear assignments: %v", err)
	}
	got, err = repo.Get(ctx, 1, 100)
	if err != nil {
		t.Fatalf("failed to get cleared assignment: %v", err)
	}
	if got != nil {
		t.Error("assignment survived scope clear")
	}
}

func TestCatalogRepository_SideMap(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCatalogRepository(db)
	ctx := context.Background()

	fp := models.SideFreePeoples
	sh := models.SideShadow
	culture := "Gandalf"
	cards := []*models.CatalogCard{
		{Blueprint: "1_1", Name: "Gandalf", Side: &fp, Culture: &culture},
		{Blueprint: "1_2", Name: "Goblin Runner", Side: &sh},
		{Blueprint: "1_300", Name: "Rivendell"},
	}
	if err := repo.UpsertCards(ctx, cards); err != nil {
		t.Fatalf("failed to upsert cards: %v", err)
	}

	sides, err := repo.SideMap(ctx)
	if err != nil {
		t.Fatalf("failed to load side map: %v", err)
	}
	if len(sides) != 2 {
		t.Fatalf("side map size = %d, want 2 (sideless cards excluded)", len(sides))
	}
	if sides["1_1"] != models.SideFreePeoples {
		t.Errorf("side of 1_1 = %s, want free_peoples", sides["1_1"])
	}

	// Upsert updates in place.
	cards[0].Name = "Gandalf, Friend of the Shirefolk"
	if err := repo.UpsertCards(ctx, cards[:1]); err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}
	got, err := repo.GetCard(ctx, "1_1")
	if err != nil {
		t.Fatalf("failed to get card: %v", err)
	}
	if got == nil || got.Name != "Gandalf, Friend of the Shirefolk" {
		t.Errorf("card after upsert = %+v", got)
	}
}
