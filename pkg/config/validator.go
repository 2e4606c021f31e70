package config

import "fmt"

// Validate performs advisory schema checks. Configuration
// validation never fails the load: every problem is reported as a
// ValidationWarning and the caller decides what (if anything) to do,
// typically just logging it.
func Validate(cfg *Config) []ValidationWarning {
	var warnings []ValidationWarning

	if cfg.Budget.SoftLimitFraction <= 0 || cfg.Budget.SoftLimitFraction > 1 {
		warnings = append(warnings, ValidationWarning{
			Field:   "budget.soft_limit_fraction",
			Message: fmt.Sprintf("expected (0,1], got %v; falling back to 0.9", cfg.Budget.SoftLimitFraction),
		})
		cfg.Budget.SoftLimitFraction = 0.9
	}

	switch cfg.Review.Policy {
	case AllMustApprove, AnyMayApprove, WeightedScore:
	default:
		warnings = append(warnings, ValidationWarning{
			Field:   "review.policy",
			Message: fmt.Sprintf("unknown policy %q; falling back to all_must_approve", cfg.Review.Policy),
		})
		cfg.Review.Policy = AllMustApprove
	}

	switch cfg.Review.ConflictStrategy {
	case Conservative, Weighted, Unanimous:
	default:
		warnings = append(warnings, ValidationWarning{
			Field:   "review.conflict_strategy",
			Message: fmt.Sprintf("unknown strategy %q; falling back to conservative", cfg.Review.ConflictStrategy),
		})
		cfg.Review.ConflictStrategy = Conservative
	}

	if cfg.Review.SingleReviewerThreshold < 0 || cfg.Review.SingleReviewerThreshold > 10 {
		warnings = append(warnings, ValidationWarning{
			Field:   "review.single_reviewer_threshold",
			Message: "expected a 0-10 score threshold; falling back to 7.5",
		})
		cfg.Review.SingleReviewerThreshold = 7.5
	}

	if cfg.Workflow.ParallelWorkers < 1 {
		warnings = append(warnings, ValidationWarning{
			Field:   "workflow.parallel_workers",
			Message: "must be >= 1; falling back to 1",
		})
		cfg.Workflow.ParallelWorkers = 1
	}

	if cfg.Retry.MaxTotalRetries < 0 {
		warnings = append(warnings, ValidationWarning{
			Field:   "retry.max_total_retries",
			Message: "must be >= 0; falling back to 10",
		})
		cfg.Retry.MaxTotalRetries = 10
	}

	if cfg.Workflow.Features.ProductValidation && cfg.Workflow.Features.DocumentationDiscovery {
		warnings = append(warnings, ValidationWarning{
			Field:   "workflow.features.product_validation",
			Message: "deprecated; documentation_discovery takes precedence when both are set",
		})
	}

	return warnings
}
