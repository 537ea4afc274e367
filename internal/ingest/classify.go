package ingest

import (
	"strings"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// TargetFormats is the fixed allow-list of formats worth analyzing.
// Games in any other format are skipped silently.
var TargetFormats = map[string]bool{
	"Fellowship Block (PC)": true,
	"Movie Block (PC)":      true,
	"Expanded (PC)":         true,
	"Fellowship Block":      true,
	"Movie Block":           true,
	"Expanded":              true,
	"Towers Standard":       true,
	"Towers Block":          true,
	"Limited - FOTR":        true,
	"Limited - TTT":         true,
	"Limited - ROTK":        true,
	"Limited - WOTR":        true,
	"Limited - TH":          true,
}

var decisiveReasons = map[string]bool{
	"Surviving to end of Regroup phase on site 9":   true,
	"Surviving to Regroup phase on site 9":          true,
	"The Ring-Bearer is corrupted by a card effect": true,
	"The Ring-Bearer is corrupted":                  true,
	"The Ring-Bearer is dead":                       true,
}

var concessionReasons = map[string]bool{
	"Concession":                true,
	"Player decision timed-out": true,
	"Player run out of time":    true,
}

// "Last remaining player in game" is a catch-all the engine emits for
// one side of every game, so the other reason is always checked first.
var ambiguousReasons = map[string]bool{
	"Corrupted before game started": true,
	"Bot got stuck on a decision":   true,
	"Possible loop detected":        true,
	"Invalid decision":              true,
	"Game cancelled due to error":   true,
	"Last remaining player in game": true,
}

// lateConcessionSite is the minimum winner site for a concession to
// still count as a meaningful result.
const lateConcessionSite = 6

// classifyOutcome maps the engine's win/lose reasons to an outcome
// tier. The second return reports whether the reasons were unknown, so
// the caller can log them.
func classifyOutcome(winReason, loseReason string, winnerSite *int) (models.OutcomeTier, bool) {
	if decisiveReasons[winReason] || decisiveReasons[loseReason] {
		return models.OutcomeDecisive, false
	}

	if concessionReasons[winReason] || concessionReasons[loseReason] {
		site := 0
		if winnerSite != nil {
			site = *winnerSite
		}
		if site >= lateConcessionSite {
			return models.OutcomeLateConcession, false
		}
		return models.OutcomeAmbiguous, false
	}

	if ambiguousReasons[winReason] || ambiguousReasons[loseReason] {
		return models.OutcomeAmbiguous, false
	}

	return models.OutcomeAmbiguous, true
}

// classifyCompetitive maps tournament context to a competitive tier.
func classifyCompetitive(rec *RawGameRecord) models.CompetitiveTier {
	if rec.Tournament == "" || strings.HasPrefix(rec.Tournament, "Casual") {
		return models.TierCasual
	}
	if rec.IsTournament {
		if strings.Contains(strings.ToLower(rec.TournamentID), "wc") {
			return models.TierChampionship
		}
		return models.TierTournament
	}
	if rec.IsLeague {
		return models.TierLeague
	}
	return models.TierCasual
}
