// Package transaction defines the payment transaction record and its
// lifecycle state machine.
//
// A transaction enters the system in StatusPending, is moved to one of
// StatusApproved, StatusUnderReview, or StatusBlocked by the decision
// pipeline, and may be moved from StatusPending or StatusUnderReview to a
// terminal StatusApproved or StatusRejected by a human reviewer. Terminal
// states never change again.
package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusUnderReview Status = "under_review"
	StatusBlocked     Status = "blocked"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusUnderReview, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal transactions cannot
// be reviewed or re-decided.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusBlocked:
		return true
	}
	return false
}

// Type classifies the payment operation.
type Type string

const (
	TypePurchase   Type = "purchase"
	TypeWithdrawal Type = "withdrawal"
	TypeTransfer   Type = "transfer"
	TypeRefund     Type = "refund"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypePurchase, TypeWithdrawal, TypeTransfer, TypeRefund:
		return true
	}
	return false
}

// CardBrand is the card network of the paying card.
type CardBrand string

const (
	BrandVisa       CardBrand = "visa"
	BrandMastercard CardBrand = "mastercard"
	BrandUnknown    CardBrand = "unknown"
)

// DetectCardBrand infers the network from the leading digits: 4 for Visa,
// 51-55 for Mastercard.
func DetectCardBrand(cardNumber string) CardBrand {
	digits := digitsOnly(cardNumber)
	if len(digits) == 0 {
		return BrandUnknown
	}
	if digits[0] == '4' {
		return BrandVisa
	}
	if len(digits) >= 2 && digits[0] == '5' && digits[1] >= '1' && digits[1] <= '5' {
		return BrandMastercard
	}
	return BrandUnknown
}

// RuleOutcome is the per-rule detail recorded during catalog evaluation.
type RuleOutcome struct {
	RuleID     string  `json:"ruleId"`
	RuleName   string  `json:"ruleName"`
	Triggered  bool    `json:"triggered"`
	Action     string  `json:"action"`
	RiskWeight float64 `json:"riskWeight"`
	Reason     string  `json:"reason,omitempty"`
}

// RuleResults aggregates the outcome of one catalog evaluation.
type RuleResults struct {
	TriggeredRules []string      `json:"triggeredRules"`
	TotalRiskScore float64       `json:"totalRiskScore"`
	BlockedByRule  bool          `json:"blockedByRule"`
	Details        []RuleOutcome `json:"details"`
}

// Transaction is a payment transaction record. The pipeline owns it during
// processing; afterwards it belongs to the store.
type Transaction struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"` // caller-supplied or generated business id, unique

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Type     Type    `json:"type"`

	CardNumber     string    `json:"cardNumber"` // masked before persistence
	CardHash       string    `json:"-"`          // stable key for velocity / device history
	BIN            string    `json:"bin"`
	CardBrand      CardBrand `json:"cardBrand"`
	CardholderName string    `json:"cardholderName"`

	MerchantID           string `json:"merchantId"`
	MerchantName         string `json:"merchantName"`
	MerchantCategoryCode string `json:"merchantCategoryCode"`

	CountryCode       string `json:"countryCode"`
	City              string `json:"city"`
	IPAddress         string `json:"ipAddress,omitempty"`
	UserAgent         string `json:"userAgent,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	RiskScore   float64      `json:"riskScore"`
	MLScore     *float64     `json:"mlScore,omitempty"`
	RuleResults *RuleResults `json:"ruleResults,omitempty"`

	Status            Status     `json:"status"`
	DecisionReason    string     `json:"decisionReason,omitempty"`
	AuthorizationCode string     `json:"authorizationCode,omitempty"`
	ReviewedBy        string     `json:"reviewedBy,omitempty"`
	ReviewedAt        *time.Time `json:"reviewedAt,omitempty"`
	ReviewNotes       string     `json:"reviewNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanBeReviewed reports whether a human reviewer may still decide this
// transaction. Only pending and under-review transactions qualify.
func (t *Transaction) CanBeReviewed() bool {
	return t.Status == StatusPending || t.Status == StatusUnderReview
}

// IsHighRisk reports whether the combined score is in the high band.
func (t *Transaction) IsHighRisk() bool { return t.RiskScore >= 70 }

// IsMediumRisk reports whether the combined score is in the monitoring band.
func (t *Transaction) IsMediumRisk() bool { return t.RiskScore >= 30 && t.RiskScore < 70 }

// ExtractBIN returns the bank identification number: the first six digits
// of the card number. Returns "" if the number is too short.
func ExtractBIN(cardNumber string) string {
	digits := digitsOnly(cardNumber)
	if len(digits) < 6 {
		return ""
	}
	return digits[:6]
}

// MaskCardNumber keeps the first four and last four digits, replacing the
// middle with asterisks. Short or malformed numbers are fully masked.
func MaskCardNumber(cardNumber string) string {
	digits := digitsOnly(cardNumber)
	if len(digits) < 12 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:4] + strings.Repeat("*", len(digits)-8) + digits[len(digits)-4:]
}

// HashCardNumber derives a stable, non-reversible key from the full card
// number. Velocity queries and device history use this key so the plaintext
// number never needs to be stored.
func HashCardNumber(cardNumber string) string {
	sum := sha256.Sum256([]byte(digitsOnly(cardNumber)))
	return hex.EncodeToString(sum[:])
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
