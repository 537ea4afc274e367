// Package ingest converts raw game replay summaries into canonical
// game and deck card facts.
package ingest

import "time"

// MinMetadataVersion is the oldest summary format the pipeline
// understands. Older records are skipped with a warning.
const MinMetadataVersion = 2

// RawDeck is one player's deck composition as recorded by the game
// engine.
type RawDeck struct {
	DrawDeck      []string `json:"drawDeck"`
	AdventureDeck []string `json:"adventureDeck"`
	RingBearer    string   `json:"ringBearer"`
	Ring          string   `json:"ring"`
}

// ReplayInfo carries the terminal game state from the replay summary.
type ReplayInfo struct {
	WinnerSite *int `json:"winner_site"`
	LoserSite  *int `json:"loser_site"`
}

// RawGameRecord is one game summary as emitted by the engine. The
// upstream owns the field set; unknown extra fields are ignored.
type RawGameRecord struct {
	MetadataVersion int    `json:"metadataVersion"`
	GameID          int64  `json:"gameId"`
	FormatName      string `json:"formatName"`

	Winner     string `json:"winner"`
	Loser      string `json:"loser"`
	WinnerID   int64  `json:"winnerId"`
	LoserID    int64  `json:"loserId"`
	WinReason  string `json:"winReason"`
	LoseReason string `json:"loseReason"`

	// Tournament context. TournamentID is only set when the game was
	// part of an organized tournament.
	Tournament   string `json:"tournament"`
	TournamentID string `json:"tournamentId"`
	IsTournament bool   `json:"isTournament"`
	IsLeague     bool   `json:"isLeague"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`

	// Decks is keyed by player name.
	Decks map[string]RawDeck `json:"decks"`

	// AllCards maps in-game card index (as a string key) to blueprint
	// id; PlayedCards lists the indices that actually hit the table.
	AllCards    map[string]string `json:"allCards"`
	PlayedCards []int             `json:"playedCards"`

	GameReplayInfo ReplayInfo `json:"gameReplayInfo"`
}
