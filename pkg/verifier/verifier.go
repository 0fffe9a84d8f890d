// Package verifier scores a specialist answer and decides whether it is good
// enough to send without a human.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/constants"
	"support-router/pkg/models"
	"support-router/pkg/retrieval"
)

// Below this grounding share a reason is recorded even if the answer passes.
const weakGrounding = 0.5

type Verifier struct {
	retriever retrieval.Retriever
	timeout   time.Duration
	logger    *logrus.Logger
}

// New builds a verifier. retriever may be nil, in which case answers are
// scored on self-reported confidence alone.
func New(retriever retrieval.Retriever, timeout time.Duration, logger *logrus.Logger) *Verifier {
	return &Verifier{retriever: retriever, timeout: timeout, logger: logger}
}

// Verify scores answer for the latest user message of conv. The second return
// value reports a retrieval failure that was absorbed.
func (v *Verifier) Verify(ctx context.Context, answer models.RawAnswer, conv *models.Conversation, topic string) (models.VerificationResult, bool) {
	var reasons []string

	if answer.Failed {
		return result(0, append(reasons, "specialist failed to produce an answer"), false), false
	}
	if strings.TrimSpace(answer.Text) == "" {
		return result(0, append(reasons, "specialist returned an empty answer"), false), false
	}

	base := constants.DefaultSelfConfidence
	if answer.SelfConfidence != nil {
		base = clamp(*answer.SelfConfidence)
	} else {
		reasons = append(reasons, fmt.Sprintf("specialist reported no confidence; assuming %.2f", base))
	}

	passages, failed := v.passages(ctx, answer, conv, topic)
	switch {
	case failed:
		reasons = append(reasons, "context retrieval unavailable; grounding not checked")
		return finish(base, reasons, false), true
	case len(passages) == 0:
		reasons = append(reasons, "no retrieved context to ground the answer")
		return finish(base, reasons, false), false
	}

	grounding := Grounding(answer.Text, passages)
	if grounding < weakGrounding {
		reasons = append(reasons, fmt.Sprintf("answer covers %.0f%% of the best matching passage", grounding*100))
	}
	score := (1-constants.GroundingWeight)*base + constants.GroundingWeight*grounding
	return finish(score, reasons, true), false
}

// passages prefers what the specialist already retrieved and falls back to a
// fresh lookup.
func (v *Verifier) passages(ctx context.Context, answer models.RawAnswer, conv *models.Conversation, topic string) ([]models.Passage, bool) {
	if len(answer.Sources) > 0 {
		return answer.Sources, false
	}
	if v.retriever == nil {
		return nil, false
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	passages, err := v.retriever.RetrieveContext(callCtx, topic, conv.LatestUserMessage())
	if err != nil {
		v.logger.WithError(err).WithFields(logrus.Fields{
			"stage":           "verify",
			"conversation_id": conv.ID,
			"topic":           topic,
		}).Warn("Context retrieval failed, scoring without grounding")
		return nil, true
	}
	return passages, false
}

// Grounding is the best share, over all passages, of a passage's significant
// terms that also appear in the answer.
func Grounding(answer string, passages []models.Passage) float64 {
	answerTerms := retrieval.Terms(answer)
	best := 0.0
	for _, p := range passages {
		if g := retrieval.Overlap(retrieval.Terms(p.Content), answerTerms); g > best {
			best = g
		}
	}
	return best
}

func finish(score float64, reasons []string, grounded bool) models.VerificationResult {
	score = clamp(score)
	if score < constants.ConfidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("score %.2f below threshold %.2f", score, constants.ConfidenceThreshold))
	}
	return result(score, reasons, grounded)
}

func result(score float64, reasons []string, grounded bool) models.VerificationResult {
	return models.VerificationResult{
		Score:            score,
		Passed:           score >= constants.ConfidenceThreshold,
		Reasons:          reasons,
		GroundingChecked: grounded,
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
