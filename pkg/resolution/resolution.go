// Package resolution holds the per-conversation resolution state machine.
package resolution

import (
	"strings"

	"support-router/pkg/models"
)

// ClosurePhrases confirm that an assumed resolution actually worked.
var ClosurePhrases = []string{
	"thanks",
	"thank you",
	"all sorted",
	"that fixed it",
	"resolved",
}

// IsClosure reports whether message contains a closure phrase, case-insensitively.
func IsClosure(message string) bool {
	text := strings.ToLower(message)
	for _, p := range ClosurePhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ShouldConfirm reports whether a follow-up closes the conversation without
// running the pipeline. Only an assumed resolution can be confirmed, and
// never on the opening turn.
func ShouldConfirm(state models.ResolutionState, firstTurn bool, message string) bool {
	return !firstTurn && state == models.StateResolvedAssumed && IsClosure(message)
}

// AfterVerification is the state a pipeline turn leaves behind. Any new
// message reopens a closed or escalated conversation, so the previous state
// does not matter here.
func AfterVerification(passed bool) models.ResolutionState {
	if passed {
		return models.StateResolvedAssumed
	}
	return models.StateEscalated
}
