// Package scoring computes transaction risk scores and turns them into
// decisions.
//
// The base score is a pure function of the transaction's intrinsic
// attributes (amount, geography, timing, merchant category, issuer BIN).
// The final score blends the base with the weighted rule score and, when
// available, an external ML score. Decision resolution maps the final
// score and the evaluation flags onto a transaction status.
package scoring

import (
	"time"

	"github.com/paylens/fraudguard/internal/transaction"
)

// Amount tier thresholds and their scores. Tiers are checked highest first;
// only the first match counts.
const (
	amountTierCritical = 10_000_000
	amountTierHigh     = 5_000_000
	amountTierElevated = 1_000_000
	amountTierModerate = 500_000

	amountScoreCritical = 40
	amountScoreHigh     = 30
	amountScoreElevated = 20
	amountScoreModerate = 10
)

const (
	countryScoreHigh   = 40
	countryScoreMedium = 20

	hourScoreUnusual = 20
	hourScoreWeekend = 10

	mccScoreHigh   = 25
	mccScoreMedium = 15

	binScoreHigh       = 30
	binScoreSuspicious = 15
)

// MaxScore caps every score in the system.
const MaxScore = 100

var highRiskCountries = map[string]bool{
	"VE": true, "CU": true, "IR": true, "KP": true, "SY": true,
}

var mediumRiskCountries = map[string]bool{
	"BR": true, "AR": true, "PE": true, "EC": true,
}

var highRiskMCCs = map[string]bool{
	"7995": true, // gambling
	"7801": true, // online casino
	"6010": true, // manual cash disbursement
	"6011": true, // ATM cash disbursement
}

var mediumRiskMCCs = map[string]bool{
	"5411": true,
	"5541": true,
	"5542": true,
}

// Scorer computes the base risk score. The BIN lists are configurable
// because issuers of concern vary per deployment; everything else is part
// of the model.
type Scorer struct {
	highRiskBINs       map[string]bool
	suspiciousBINs     map[string]bool
	manualReviewAmount float64
	manualReviewScore  float64
}

// NewScorer creates a scorer with the given BIN watchlists. Nil slices are
// valid and disable the corresponding signal.
func NewScorer(highRiskBINs, suspiciousBINs []string) *Scorer {
	return &Scorer{
		highRiskBINs:       toSet(highRiskBINs),
		suspiciousBINs:     toSet(suspiciousBINs),
		manualReviewAmount: 1_000_000,
		manualReviewScore:  70,
	}
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

// BaseScore sums the amount, country, timing, merchant category, and BIN
// signals, capped at MaxScore. It is a pure function of the transaction.
func (s *Scorer) BaseScore(tx *transaction.Transaction) float64 {
	score := amountScore(tx.Amount) +
		countryScore(tx.CountryCode) +
		timeScore(tx.CreatedAt) +
		mccScore(tx.MerchantCategoryCode) +
		s.binScore(tx.BIN)

	if score > MaxScore {
		return MaxScore
	}
	return score
}

// RequiresManualReview reports whether at least two independent risk factors
// are present: a high base score, a large amount, a high-risk country, an
// unusual hour, or a high-risk merchant category.
func (s *Scorer) RequiresManualReview(tx *transaction.Transaction, baseScore float64) bool {
	factors := 0
	if baseScore >= s.manualReviewScore {
		factors++
	}
	if tx.Amount >= s.manualReviewAmount {
		factors++
	}
	if HighRiskCountry(tx.CountryCode) {
		factors++
	}
	if UnusualHour(tx.CreatedAt) {
		factors++
	}
	if highRiskMCCs[tx.MerchantCategoryCode] {
		factors++
	}
	return factors >= 2
}

// HighRiskCountry reports whether the country is on the high-risk list.
func HighRiskCountry(code string) bool {
	return highRiskCountries[code]
}

// UnusualHour reports whether the hour falls in the late-night window
// (23:00 through 06:59).
func UnusualHour(t time.Time) bool {
	h := t.Hour()
	return h >= 23 || h <= 6
}

func amountScore(amount float64) float64 {
	switch {
	case amount >= amountTierCritical:
		return amountScoreCritical
	case amount >= amountTierHigh:
		return amountScoreHigh
	case amount >= amountTierElevated:
		return amountScoreElevated
	case amount >= amountTierModerate:
		return amountScoreModerate
	default:
		return 0
	}
}

func countryScore(code string) float64 {
	switch {
	case highRiskCountries[code]:
		return countryScoreHigh
	case mediumRiskCountries[code]:
		return countryScoreMedium
	default:
		return 0
	}
}

func timeScore(t time.Time) float64 {
	if UnusualHour(t) {
		return hourScoreUnusual
	}
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return hourScoreWeekend
	}
	return 0
}

func mccScore(mcc string) float64 {
	switch {
	case highRiskMCCs[mcc]:
		return mccScoreHigh
	case mediumRiskMCCs[mcc]:
		return mccScoreMedium
	default:
		return 0
	}
}

func (s *Scorer) binScore(bin string) float64 {
	switch {
	case s.highRiskBINs[bin]:
		return binScoreHigh
	case s.suspiciousBINs[bin]:
		return binScoreSuspicious
	default:
		return 0
	}
}
