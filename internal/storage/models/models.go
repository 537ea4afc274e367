// Package models defines the data structures stored by the analytics
// pipeline.
package models

import "time"

// OutcomeTier classifies how reliably a game's result reflects deck
// strength.
type OutcomeTier int

const (
	// OutcomeDecisive is a clear game-ending condition: site 9 survival
	// or ring-bearer corruption/death.
	OutcomeDecisive OutcomeTier = 1
	// OutcomeLateConcession is a concession or timeout at site 6 or later.
	OutcomeLateConcession OutcomeTier = 2
	// OutcomeAmbiguous covers early quits, bot issues and unknown reasons.
	OutcomeAmbiguous OutcomeTier = 3
)

// CompetitiveTier classifies the competitive context of a game.
type CompetitiveTier int

const (
	TierCasual       CompetitiveTier = 1
	TierLeague       CompetitiveTier = 2
	TierTournament   CompetitiveTier = 3
	TierChampionship CompetitiveTier = 4
)

// CardRole identifies where a card sat in a deck.
type CardRole string

const (
	RoleDrawDeck   CardRole = "draw_deck"
	RoleSite       CardRole = "site"
	RoleRingBearer CardRole = "ring_bearer"
	RoleRing       CardRole = "ring"
)

// Side identifies which half of the game a card belongs to.
type Side string

const (
	SideFreePeoples Side = "free_peoples"
	SideShadow      Side = "shadow"
)

// MembershipType identifies how a card came to belong to a community.
type MembershipType string

const (
	// MembershipCore is assigned by the clustering algorithm.
	MembershipCore MembershipType = "core"
	// MembershipFlex is added by post-detection expansion.
	MembershipFlex MembershipType = "flex"
	// MembershipCustom is a manual assignment, never touched by regeneration.
	MembershipCustom MembershipType = "custom"
)

// GameFact is one processed game. Exactly one row exists per raw game id.
type GameFact struct {
	GameID            int64
	FormatName        string
	GameDate          time.Time
	DurationSeconds   *int
	TournamentName    *string
	WinnerPlayerID    int64
	LoserPlayerID     int64
	OutcomeTier       OutcomeTier
	CompetitiveTier   CompetitiveTier
	WinnerSite        *int
	LoserSite         *int
	ProcessingVersion int
	ProcessedAt       time.Time
}

// DeckCardFact is one (game, player, card, role) deck entry.
// IsWinner is denormalized from the parent GameFact at insert time and
// never updated afterwards.
type DeckCardFact struct {
	ID        int64
	GameID    int64
	PlayerID  int64
	Blueprint string
	Role      CardRole
	Count     int
	IsWinner  bool
	WasPlayed bool
}

// DailyCardStat is the per-day aggregate for one card in one
// (format, outcome tier, competitive tier) cell.
type DailyCardStat struct {
	ID                int64
	Blueprint         string
	FormatName        string
	StatDate          time.Time
	OutcomeTier       OutcomeTier
	CompetitiveTier   CompetitiveTier
	DeckAppearances   int
	DeckWins          int
	TotalCopies       int
	PlayedAppearances int
	PlayedWins        int
}

// DailyCardPlayer is an existence row recording that a player ran a card
// on a date; it enables exact distinct-player counts over date ranges.
type DailyCardPlayer struct {
	Blueprint       string
	FormatName      string
	StatDate        time.Time
	OutcomeTier     OutcomeTier
	CompetitiveTier CompetitiveTier
	PlayerID        int64
}

// BalancePatch is a dated checkpoint partitioning correlation and
// community data into eras.
type BalancePatch struct {
	ID        int64
	Name      string
	PatchDate time.Time
	CreatedAt time.Time
	// EndDate is the day before the next patch, nil for the latest.
	// Derived at load time, not stored.
	EndDate *time.Time
}

// CardCorrelation is the pairwise co-occurrence record for an unordered
// card pair within one (format, side, patch) scope. CardA < CardB.
type CardCorrelation struct {
	ID            int64
	CardA         string
	CardB         string
	FormatName    string
	Side          Side
	PatchID       int64
	TogetherCount int
	CardACount    int
	CardBCount    int
	TotalDecks    int
	Jaccard       float64
	Lift          float64
	ComputedAt    time.Time
}

// CardCommunity is a detected or curated archetype within one
// (format, side, patch) scope.
type CardCommunity struct {
	ID              int64
	FormatName      string
	Side            Side
	PatchID         int64
	Name            *string
	IsValid         bool
	IsOrphanPool    bool
	CardCount       int
	DeckCount       int
	AvgInternalLift float64
	DetectedAt      time.Time
}

// CommunityMembership links a card to a community with a centrality
// score in [0,1].
type CommunityMembership struct {
	ID          int64
	CommunityID int64
	Blueprint   string
	Centrality  float64
	Type        MembershipType
}

// DeckArchetypeAssignment names the best-fit community for one deck.
type DeckArchetypeAssignment struct {
	ID          int64
	GameID      int64
	PlayerID    int64
	CommunityID int64
	MatchScore  float64
}

// ComputationLog is one job invocation record. A row with status
// 'running' doubles as the advisory lock for its (job type, scope).
type ComputationLog struct {
	ID               int64
	JobType          string
	Scope            string
	RunID            string
	Status           string
	RecordsProcessed int
	ErrorMessage     *string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// CatalogCard is the card-metadata row consumed by the side filter.
type CatalogCard struct {
	Blueprint string
	Name      string
	Side      *Side
	Culture   *string
}

// Computation log statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
