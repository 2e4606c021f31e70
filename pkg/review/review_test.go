package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/conductor/pkg/agentcli"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

func approveResult(score float64) agentcli.Result {
	return agentcli.Result{
		Success: true,
		ParsedOutput: map[string]any{
			"assessment": string(models.Approve),
			"score":      score,
		},
	}
}

func rejectResult(score float64, concerns ...string) agentcli.Result {
	raw := make([]any, len(concerns))
	for i, c := range concerns {
		raw[i] = c
	}
	return agentcli.Result{
		Success: true,
		ParsedOutput: map[string]any{
			"assessment": string(models.Reject),
			"score":      score,
			"concerns":   raw,
		},
	}
}

func TestFetchReturnsBothReviewersOnSuccess(t *testing.T) {
	invoke := func(ctx context.Context, reviewer string, req agentcli.Request) agentcli.Result {
		if reviewer == "reviewer-a" {
			return approveResult(9)
		}
		return rejectResult(3, "missing tests")
	}
	cfg := &config.ReviewConfig{UnifiedTimeout: time.Second}
	a, b := Fetch(context.Background(), invoke, agentcli.Request{}, cfg)

	assert.Equal(t, models.Approve, a.Assessment)
	assert.Equal(t, models.Reject, b.Assessment)
	assert.Equal(t, []string{"missing tests"}, b.Concerns)
}

func TestFetchTimesOutSlowReviewer(t *testing.T) {
	invoke := func(ctx context.Context, reviewer string, req agentcli.Request) agentcli.Result {
		if reviewer == "reviewer-a" {
			return approveResult(9)
		}
		<-ctx.Done()
		return agentcli.Result{Success: false, Error: "context cancelled"}
	}
	cfg := &config.ReviewConfig{UnifiedTimeout: 20 * time.Millisecond}
	a, b := Fetch(context.Background(), invoke, agentcli.Request{}, cfg)

	assert.Equal(t, models.Approve, a.Assessment)
	assert.True(t, b.TimedOut)
	assert.Equal(t, models.Reject, b.Assessment)
}

func TestFetchBothTimeOutReturnsShapeCompleteResult(t *testing.T) {
	invoke := func(ctx context.Context, reviewer string, req agentcli.Request) agentcli.Result {
		<-ctx.Done()
		return agentcli.Result{Success: false}
	}
	cfg := &config.ReviewConfig{UnifiedTimeout: 10 * time.Millisecond}
	a, b := Fetch(context.Background(), invoke, agentcli.Request{}, cfg)

	assert.True(t, a.TimedOut)
	assert.True(t, b.TimedOut)
}

func TestResolveAgreeingFeedbackMerges(t *testing.T) {
	a := models.Feedback{Assessment: models.Approve, Score: 8, Strengths: []string{"clean"}}
	b := models.Feedback{Assessment: models.Approve, Score: 6, Strengths: []string{"fast"}}
	resolved := Resolve(a, b, config.Conservative)

	assert.Equal(t, models.Approve, resolved.Assessment)
	assert.Equal(t, 7.0, resolved.Score)
	assert.ElementsMatch(t, []string{"clean", "fast"}, resolved.Strengths)
}

func TestResolveConservativePicksMoreSevere(t *testing.T) {
	a := models.Feedback{Assessment: models.Approve}
	b := models.Feedback{Assessment: models.Reject}
	resolved := Resolve(a, b, config.Conservative)
	assert.Equal(t, models.Reject, resolved.Assessment)
}

func TestResolveWeightedPicksLowerScore(t *testing.T) {
	a := models.Feedback{Assessment: models.Approve, Score: 9}
	b := models.Feedback{Assessment: models.ApproveWithChanges, Score: 4}
	resolved := Resolve(a, b, config.Weighted)
	assert.Equal(t, models.ApproveWithChanges, resolved.Assessment)
}

func TestResolveWeightedTiesFallBackToConservative(t *testing.T) {
	a := models.Feedback{Assessment: models.Approve, Score: 5}
	b := models.Feedback{Assessment: models.Reject, Score: 5}
	resolved := Resolve(a, b, config.Weighted)
	assert.Equal(t, models.Reject, resolved.Assessment)
}

func TestResolveUnanimousForcesRejectOnDisagreement(t *testing.T) {
	a := models.Feedback{Assessment: models.Approve}
	b := models.Feedback{Assessment: models.ApproveWithChanges, Concerns: []string{"naming"}}
	resolved := Resolve(a, b, config.Unanimous)
	assert.Equal(t, models.Reject, resolved.Assessment)
	assert.Contains(t, resolved.BlockingIssues, "reviewers disagreed under a unanimous-approval policy")
}

func TestDecideAllMustApprove(t *testing.T) {
	cfg := &config.ReviewConfig{Policy: config.AllMustApprove}
	a := models.Feedback{Assessment: models.Approve}
	b := models.Feedback{Assessment: models.Approve}
	resolved := Resolve(a, b, config.Conservative)
	decision, _ := Decide(a, b, resolved, cfg, false)
	assert.Equal(t, models.DecisionContinue, decision)

	b2 := models.Feedback{Assessment: models.Reject}
	resolved2 := Resolve(a, b2, config.Conservative)
	decision2, _ := Decide(a, b2, resolved2, cfg, false)
	assert.Equal(t, models.DecisionRetry, decision2)
}

func TestDecideAnyMayApprove(t *testing.T) {
	cfg := &config.ReviewConfig{Policy: config.AnyMayApprove}
	a := models.Feedback{Assessment: models.Approve}
	b := models.Feedback{Assessment: models.Reject}
	resolved := Resolve(a, b, config.Conservative)
	decision, _ := Decide(a, b, resolved, cfg, false)
	assert.Equal(t, models.DecisionContinue, decision)

	both := models.Feedback{Assessment: models.Reject}
	decision2, _ := Decide(both, both, both, cfg, false)
	assert.Equal(t, models.DecisionRetry, decision2)
}

func TestDecideWeightedScore(t *testing.T) {
	cfg := &config.ReviewConfig{Policy: config.WeightedScore, SingleReviewerThreshold: 7}
	a := models.Feedback{Assessment: models.Approve, Score: 8}
	b := models.Feedback{Assessment: models.Approve, Score: 8}
	decision, _ := Decide(a, b, models.Feedback{}, cfg, false)
	assert.Equal(t, models.DecisionContinue, decision)

	low := models.Feedback{Assessment: models.Approve, Score: 2}
	decision2, _ := Decide(low, low, models.Feedback{}, cfg, false)
	assert.Equal(t, models.DecisionRetry, decision2)
}

func TestDecideSingleReviewerFallback(t *testing.T) {
	cfg := &config.ReviewConfig{
		Policy:                  config.AllMustApprove,
		SingleReviewerThreshold: 7.5,
		SingleReviewerPenalty:   1.0,
		StricterOnVerification:  true,
	}

	t.Run("survivor clears the raised threshold", func(t *testing.T) {
		survivor := models.Feedback{Reviewer: "reviewer-a", Assessment: models.Approve, Score: 9}
		timedOut := models.Feedback{Reviewer: "reviewer-b", TimedOut: true, Assessment: models.Reject}
		decision, _ := Decide(survivor, timedOut, models.Feedback{}, cfg, false)
		assert.Equal(t, models.DecisionContinue, decision)
	})

	t.Run("survivor fails the raised threshold after penalty", func(t *testing.T) {
		survivor := models.Feedback{Reviewer: "reviewer-a", Assessment: models.Approve, Score: 7.8}
		timedOut := models.Feedback{Reviewer: "reviewer-b", TimedOut: true, Assessment: models.Reject}
		decision, _ := Decide(survivor, timedOut, models.Feedback{}, cfg, false)
		assert.Equal(t, models.DecisionRetry, decision)
	})

	t.Run("verification applies an even stricter threshold", func(t *testing.T) {
		// score-penalty = 7.7: clears validation's 7.5 bar but not
		// verification's 7.5+0.5=8.0 bar.
		survivor := models.Feedback{Reviewer: "reviewer-a", Assessment: models.Approve, Score: 8.7}
		timedOut := models.Feedback{Reviewer: "reviewer-b", TimedOut: true, Assessment: models.Reject}

		decision, _ := Decide(survivor, timedOut, models.Feedback{}, cfg, false)
		assert.Equal(t, models.DecisionContinue, decision)

		decision, _ = Decide(survivor, timedOut, models.Feedback{}, cfg, true)
		assert.Equal(t, models.DecisionRetry, decision)
	})
}
