// Package rules implements the fraud rule catalog and its evaluator.
//
// A rule is a typed check against a transaction: each rule kind carries its
// own condition payload and the evaluator dispatches on the kind. Rules are
// run in priority order (highest first); a triggered rule with the reject
// action blocks the transaction and stops evaluation. Execution statistics
// are kept in a separate atomic arena so concurrent evaluation never races
// on the rule definitions themselves.
package rules

import (
	"time"
)

// Type identifies the kind of check a rule performs. The set is closed:
// unknown kinds are treated as non-triggering and logged.
type Type string

const (
	TypeAmountLimit       Type = "amount_limit"
	TypeTimeRestriction   Type = "time_restriction"
	TypeCountryBlacklist  Type = "country_blacklist"
	TypeBINBlacklist      Type = "bin_blacklist"
	TypeVelocityCheck     Type = "velocity_check"
	TypeMerchantCategory  Type = "merchant_category"
	TypeIPGeolocation     Type = "ip_geolocation"
	TypeDeviceFingerprint Type = "device_fingerprint"
)

// Action is what a triggered rule asks the pipeline to do.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReview  Action = "review"
	ActionFlag    Action = "flag"
)

// Status controls whether a rule participates in evaluation.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusTesting  Status = "testing"
)

// AmountLimitConditions triggers when the amount falls outside [Min, Max].
// Nil bounds are open.
type AmountLimitConditions struct {
	MinAmount *float64 `json:"minAmount,omitempty"`
	MaxAmount *float64 `json:"maxAmount,omitempty"`
}

// TimeRestrictionConditions triggers outside the allowed hours or on a
// restricted weekday. An empty AllowedHours set allows every hour.
type TimeRestrictionConditions struct {
	AllowedHours   []int          `json:"allowedHours,omitempty"`
	RestrictedDays []time.Weekday `json:"restrictedDays,omitempty"`
}

// CountryBlacklistConditions triggers on a blacklisted declared country.
type CountryBlacklistConditions struct {
	BlacklistedCountries []string `json:"blacklistedCountries"`
}

// BINBlacklistConditions triggers on a blacklisted issuer BIN.
type BINBlacklistConditions struct {
	BlacklistedBINs []string `json:"blacklistedBins"`
}

// VelocityConditions triggers when the card exceeds MaxTransactions within
// the window. WindowMinutes defaults to 60 when zero.
type VelocityConditions struct {
	MaxTransactions int `json:"maxTransactions"`
	WindowMinutes   int `json:"windowMinutes,omitempty"`
}

// MerchantCategoryConditions triggers on blocked categories outright, and on
// restricted categories only when the rule's Parameters sub-limits are hit.
type MerchantCategoryConditions struct {
	BlockedCategories    []string `json:"blockedCategories,omitempty"`
	RestrictedCategories []string `json:"restrictedCategories,omitempty"`
}

// IPGeolocationConditions triggers on a missing IP, a blocked resolved
// country, a detected VPN, or a mismatch with the declared country.
type IPGeolocationConditions struct {
	BlockedCountries []string `json:"blockedCountries,omitempty"`
	RequireVPNCheck  bool     `json:"requireVpnCheck,omitempty"`
}

// DeviceFingerprintConditions triggers on a missing or blocked fingerprint,
// or — when RequireKnownDevice is set — on a device never seen for the card.
type DeviceFingerprintConditions struct {
	BlockedDevices     []string `json:"blockedDevices,omitempty"`
	RequireKnownDevice bool     `json:"requireKnownDevice,omitempty"`
}

// Conditions is the per-kind condition payload. Exactly the field matching
// the rule's Type should be set; the evaluator reports a rule error when it
// is missing.
type Conditions struct {
	AmountLimit       *AmountLimitConditions       `json:"amountLimit,omitempty"`
	TimeRestriction   *TimeRestrictionConditions   `json:"timeRestriction,omitempty"`
	CountryBlacklist  *CountryBlacklistConditions  `json:"countryBlacklist,omitempty"`
	BINBlacklist      *BINBlacklistConditions      `json:"binBlacklist,omitempty"`
	Velocity          *VelocityConditions          `json:"velocity,omitempty"`
	MerchantCategory  *MerchantCategoryConditions  `json:"merchantCategory,omitempty"`
	IPGeolocation     *IPGeolocationConditions     `json:"ipGeolocation,omitempty"`
	DeviceFingerprint *DeviceFingerprintConditions `json:"deviceFingerprint,omitempty"`
}

// Parameters is the optional secondary bag used by restricted merchant
// categories: a sub-limit that applies only when the category is restricted
// rather than blocked.
type Parameters struct {
	MaxAmount    *float64 `json:"maxAmount,omitempty"`
	AllowedHours []int    `json:"allowedHours,omitempty"`
}

// Rule is one catalog entry.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Type   Type   `json:"type"`
	Action Action `json:"action"`
	Status Status `json:"status"`

	// Priority orders evaluation: higher runs first. Ties keep catalog order.
	Priority   int        `json:"priority"`
	Conditions Conditions `json:"conditions"`
	Parameters Parameters `json:"parameters,omitempty"`

	// RiskWeight is added to the aggregate rule score when triggered.
	RiskWeight float64 `json:"riskWeight"`

	ExecutionCount int64      `json:"executionCount"`
	TriggeredCount int64      `json:"triggeredCount"`
	LastTriggered  *time.Time `json:"lastTriggered,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ShouldExecute reports whether the rule participates in evaluation.
// Testing rules run (and collect statistics) exactly like active ones.
func (r *Rule) ShouldExecute() bool {
	return r.Status == StatusActive || r.Status == StatusTesting
}

// EfficiencyRate is the percentage of executions that triggered.
func (r *Rule) EfficiencyRate() float64 {
	if r.ExecutionCount == 0 {
		return 0
	}
	return float64(r.TriggeredCount) / float64(r.ExecutionCount) * 100
}
