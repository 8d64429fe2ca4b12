// Package validation provides input validation for the fraud decision API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// currencyRegex validates ISO 4217 currency codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	// countryRegex validates ISO 3166-1 alpha-2 country codes
	countryRegex = regexp.MustCompile(`^[A-Z]{2}$`)
	// mccRegex validates four-digit merchant category codes
	mccRegex = regexp.MustCompile(`^[0-9]{4}$`)
	// cardRegex validates card numbers: 12-19 digits, spaces and dashes allowed
	cardRegex = regexp.MustCompile(`^[0-9 -]{12,23}$`)
	// txnIDRegex validates caller-supplied business transaction ids
	txnIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks if a string is an ISO 4217 currency code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidCountry checks if a string is an ISO 3166-1 alpha-2 country code
func IsValidCountry(code string) bool {
	return countryRegex.MatchString(code)
}

// IsValidMCC checks if a string is a four-digit merchant category code
func IsValidMCC(code string) bool {
	return mccRegex.MatchString(code)
}

// IsValidCardNumber checks shape only: 12-19 digits once separators are
// removed. The pipeline never needs the number to be a live card.
func IsValidCardNumber(number string) bool {
	if !cardRegex.MatchString(number) {
		return false
	}
	digits := 0
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 12 && digits <= 19
}

// IsValidTransactionID checks a caller-supplied business id
func IsValidTransactionID(id string) bool {
	return txnIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is an ISO 4217 currency code
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO 4217 code"}
		}
		return nil
	}
}

// ValidCountry checks if a field is an ISO 3166-1 alpha-2 country code
func ValidCountry(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCountry(value) {
			return &ValidationError{Field: field, Message: "must be a 2-letter ISO country code"}
		}
		return nil
	}
}

// ValidMCC checks if a field is a four-digit merchant category code
func ValidMCC(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidMCC(value) {
			return &ValidationError{Field: field, Message: "must be a 4-digit merchant category code"}
		}
		return nil
	}
}

// ValidCard checks if a field looks like a card number
func ValidCard(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCardNumber(value) {
			return &ValidationError{Field: field, Message: "must be 12-19 digits"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount is strictly positive
func PositiveAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
