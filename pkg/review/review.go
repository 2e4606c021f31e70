// Package review implements the dual-reviewer gate: a unified-timeout
// fan-in that invokes reviewer-a and reviewer-b concurrently, a conflict
// resolver that reconciles disagreeing assessments, and an approval
// engine that turns reconciled feedback into a continue/retry/escalate
// decision. There is no surviving original_source module for
// conflict_resolution.py/approval.py, so the conflict resolver and
// approval engine here are original; the call shape is grounded on
// phase2_validation.py, and the concurrent fan-in is modeled on a
// single-owner-goroutine-plus-command-channel idiom adapted to
// two-goroutines-plus-unified-select.
package review

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ConflictStrategy and ReviewPolicy are re-exported for caller
// convenience; canonical definitions live in pkg/config.
type (
	ConflictStrategy   = config.ConflictStrategy
	ReviewPolicy       = config.ReviewPolicy
)

// reviewerResult pairs a Feedback with the reviewer identity that
// produced it, used internally by the fan-in.
type reviewerResult struct {
	reviewer string
	feedback models.Feedback
}

// Invoke describes the minimal surface review.Fetch needs from an agent
// invoker, so tests can substitute a fake without pulling in agentcli's
// subprocess machinery.
type Invoke func(ctx context.Context, reviewer string, req agentcli.Request) agentcli.Result

// Fetch runs reviewer-a and reviewer-b concurrently against a single
// unified deadline (cfg.UnifiedTimeout), not two stacked per-reviewer
// timeouts: both reviewers race the same clock, and whichever is still
// running when it elapses is recorded as timed out rather than blocking
// the other's result. Late-arriving futures are never awaited further.
func Fetch(ctx context.Context, invoke Invoke, baseReq agentcli.Request, cfg *config.ReviewConfig) (a, b models.Feedback) {
	ctx, cancel := context.WithTimeout(ctx, cfg.UnifiedTimeout)
	defer cancel()

	results := make(chan reviewerResult, 2)
	for _, reviewer := range []string{"reviewer-a", "reviewer-b"} {
		reviewer := reviewer
		go func() {
			req := baseReq
			req.Agent = reviewer
			res := invoke(ctx, reviewer, req)
			results <- reviewerResult{reviewer: reviewer, feedback: feedbackFromResult(reviewer, res)}
		}()
	}

	feedback := map[string]models.Feedback{
		"reviewer-a": timeoutFeedback("reviewer-a"),
		"reviewer-b": timeoutFeedback("reviewer-b"),
	}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			feedback[r.reviewer] = r.feedback
		case <-ctx.Done():
			// Unified deadline elapsed: whatever hasn't reported yet keeps
			// its pre-seeded timeout feedback. We still return a
			// (reviewerA, reviewerB)-shaped result, never a partial one.
			return feedback["reviewer-a"], feedback["reviewer-b"]
		}
	}
	return feedback["reviewer-a"], feedback["reviewer-b"]
}

func timeoutFeedback(reviewer string) models.Feedback {
	return models.Feedback{Reviewer: reviewer, Assessment: models.Reject, TimedOut: true, Error: "reviewer timed out"}
}

func feedbackFromResult(reviewer string, res agentcli.Result) models.Feedback {
	if !res.Success {
		return models.Feedback{Reviewer: reviewer, Assessment: models.Reject, Error: res.Error}
	}
	fb := models.Feedback{Reviewer: reviewer}
	if assessment, ok := res.ParsedOutput["assessment"].(string); ok {
		fb.Assessment = models.Assessment(assessment)
	} else {
		fb.Assessment = models.Reject
		fb.Error = "reviewer output missing assessment field"
	}
	if score, ok := res.ParsedOutput["score"].(float64); ok {
		fb.Score = score
	}
	fb.Strengths = stringSlice(res.ParsedOutput["strengths"])
	fb.Concerns = stringSlice(res.ParsedOutput["concerns"])
	fb.BlockingIssues = stringSlice(res.ParsedOutput["blocking_issues"])
	return fb
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Resolve reconciles two reviewer Feedbacks into one effective Feedback
// per the configured ConflictStrategy. Disagreement here means the two
// reviewers reached a different Assessment.
func Resolve(a, b models.Feedback, strategy config.ConflictStrategy) models.Feedback {
	if a.Assessment == b.Assessment {
		return mergeAgreeing(a, b)
	}

	switch strategy {
	case config.Conservative:
		// The more cautious of the two assessments wins: reject beats
		// approve-with-changes beats approve.
		if severity(a.Assessment) >= severity(b.Assessment) {
			return a
		}
		return b
	case config.Weighted:
		if a.Score == b.Score {
			return Resolve(a, b, config.Conservative)
		}
		if a.Score < b.Score {
			return a
		}
		return b
	case config.Unanimous:
		// Any disagreement under a unanimity requirement forces a reject,
		// with both reviewers' concerns surfaced for the retry prompt.
		return models.Feedback{
			Reviewer:       "resolved",
			Assessment:     models.Reject,
			Concerns:       append(append([]string{}, a.Concerns...), b.Concerns...),
			BlockingIssues: []string{"reviewers disagreed under a unanimous-approval policy"},
		}
	default:
		return Resolve(a, b, config.Conservative)
	}
}

func mergeAgreeing(a, b models.Feedback) models.Feedback {
	return models.Feedback{
		Reviewer:       "resolved",
		Assessment:     a.Assessment,
		Score:          (a.Score + b.Score) / 2,
		Strengths:      append(append([]string{}, a.Strengths...), b.Strengths...),
		Concerns:       append(append([]string{}, a.Concerns...), b.Concerns...),
		BlockingIssues: append(append([]string{}, a.BlockingIssues...), b.BlockingIssues...),
	}
}

func severity(a models.Assessment) int {
	switch a {
	case models.Reject:
		return 2
	case models.ApproveWithChanges:
		return 1
	default:
		return 0
	}
}

// Decide turns a resolved Feedback into a NextDecision per the
// configured ReviewPolicy. When exactly one reviewer timed out or
// errored, the surviving single reviewer's assessment is held to a
// stricter bar (SingleReviewerThreshold) with a score penalty applied,
// rather than being trusted at face value — a verification pass is
// stricter than a validation pass when StricterOnVerification is set.
func Decide(a, b models.Feedback, resolved models.Feedback, cfg *config.ReviewConfig, isVerification bool) (models.NextDecision, string) {
	singleReviewer, survivor := singleSurvivor(a, b)
	if singleReviewer {
		threshold := cfg.SingleReviewerThreshold
		score := survivor.Score - cfg.SingleReviewerPenalty
		if isVerification && cfg.StricterOnVerification {
			threshold += 0.5
		}
		if survivor.Assessment == models.Reject || score < threshold {
			return models.DecisionRetry, fmt.Sprintf("single surviving reviewer %s scored %.1f, below threshold %.1f", survivor.Reviewer, score, threshold)
		}
		return models.DecisionContinue, fmt.Sprintf("single surviving reviewer %s approved at %.1f", survivor.Reviewer, score)
	}

	switch cfg.Policy {
	case config.AllMustApprove:
		if resolved.Assessment == models.Reject {
			return models.DecisionRetry, "at least one reviewer rejected"
		}
		return models.DecisionContinue, "both reviewers approved"
	case config.AnyMayApprove:
		if a.Assessment != models.Reject || b.Assessment != models.Reject {
			return models.DecisionContinue, "at least one reviewer approved"
		}
		return models.DecisionRetry, "both reviewers rejected"
	case config.WeightedScore:
		avg := (a.Score + b.Score) / 2
		if avg < cfg.SingleReviewerThreshold {
			return models.DecisionRetry, fmt.Sprintf("weighted average score %.1f below threshold", avg)
		}
		return models.DecisionContinue, fmt.Sprintf("weighted average score %.1f meets threshold", avg)
	default:
		return models.DecisionEscalate, "unknown review policy"
	}
}

func singleSurvivor(a, b models.Feedback) (bool, models.Feedback) {
	aOut := a.TimedOut || a.Error != ""
	bOut := b.TimedOut || b.Error != ""
	if aOut && !bOut {
		return true, b
	}
	if bOut && !aOut {
		return true, a
	}
	return false, models.Feedback{}
}
