package round

import (
	"time"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

// PreSearchWaitTimeout bounds how long participants wait on a non-terminal
// pre-search record. Past it the round proceeds without search context;
// liveness wins over completeness.
const PreSearchWaitTimeout = 10 * time.Second

// AnalysisStuckTimeout bounds how long a round may sit on a non-terminal
// moderator record before it is force-advanced.
const AnalysisStuckTimeout = 60 * time.Second

// ShouldWaitForPreSearch decides whether participant streaming must hold for
// the round's pre-search artifact.
//
// When web search is enabled but no record exists yet, we wait: the record
// is assumed forthcoming (optimistic blocking), which closes the race where
// participants start before the pre-search row is even persisted. A terminal
// record (complete or failed) releases the gate; failure degrades to
// "proceed without search context" rather than deadlocking the round.
func ShouldWaitForPreSearch(webSearchEnabled bool, rec *model.PreSearch, now time.Time) bool {
	if !webSearchEnabled {
		return false
	}
	if rec == nil {
		return true
	}
	if rec.Status.Terminal() {
		return false
	}
	// Timeout escape: a record stuck pending/streaming past the bound no
	// longer blocks the round.
	if now.Sub(rec.CreatedAt) > PreSearchWaitTimeout {
		return false
	}
	return true
}
