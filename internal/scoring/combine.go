package scoring

import (
	"fmt"
	"strings"

	"github.com/paylens/fraudguard/internal/transaction"
)

// Combination weights. The base score keeps full weight; rule and ML
// contributions are dampened so no single signal dominates.
const (
	ruleWeight = 0.4
	mlWeight   = 0.3
)

// Decision thresholds on the final score.
const (
	thresholdBlock  = 90
	thresholdReview = 70
	thresholdFlag   = 30
)

// Combine blends the base score with the weighted rule score and, when
// present, the weighted ML score. An absent ML score (nil) contributes
// nothing rather than zero-weighting the blend. The result is clamped to
// [0, MaxScore].
func Combine(base, ruleScore float64, mlScore *float64) float64 {
	final := base + ruleScore*ruleWeight
	if mlScore != nil {
		final += *mlScore * mlWeight
	}
	if final < 0 {
		return 0
	}
	if final > MaxScore {
		return MaxScore
	}
	return final
}

// Decision is the outcome of resolving a final score against the thresholds.
type Decision struct {
	Status  transaction.Status
	Monitor bool
	Reason  string
}

// Resolve maps the final score and evaluation flags onto a status. A rule
// block always wins; otherwise the score thresholds apply, with the manual
// review flag able to escalate any score into review.
func Resolve(final float64, blockedByRule, manualReview bool, triggeredRules []string) Decision {
	switch {
	case blockedByRule:
		return Decision{
			Status: transaction.StatusBlocked,
			Reason: blockReason(triggeredRules),
		}
	case final >= thresholdBlock:
		return Decision{
			Status: transaction.StatusBlocked,
			Reason: fmt.Sprintf("critical risk score %.1f", final),
		}
	case final >= thresholdReview || manualReview:
		return Decision{
			Status: transaction.StatusUnderReview,
			Reason: reviewReason(final, manualReview),
		}
	case final >= thresholdFlag:
		return Decision{
			Status:  transaction.StatusApproved,
			Monitor: true,
			Reason:  fmt.Sprintf("elevated risk score %.1f, approved with monitoring", final),
		}
	default:
		return Decision{
			Status: transaction.StatusApproved,
			Reason: fmt.Sprintf("low risk score %.1f", final),
		}
	}
}

func blockReason(triggeredRules []string) string {
	if len(triggeredRules) == 0 {
		return "blocked by rule"
	}
	return "rules triggered: " + strings.Join(triggeredRules, ", ")
}

func reviewReason(final float64, manualReview bool) string {
	if final >= thresholdReview {
		return fmt.Sprintf("high risk score %.1f", final)
	}
	if manualReview {
		return "multiple risk factors require manual review"
	}
	return fmt.Sprintf("high risk score %.1f", final)
}
