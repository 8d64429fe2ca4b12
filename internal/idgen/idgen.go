// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New generates a random UUIDv4 for primary keys.
func New() string {
	return uuid.NewString()
}

const txnAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TransactionID generates a business transaction id of the form
// TXN_<unix millis>_<6 random uppercase alphanumerics>. The timestamp makes
// ids roughly sortable; the suffix disambiguates ids minted in the same
// millisecond.
func TransactionID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = txnAlphabet[int(b[i])%len(txnAlphabet)]
	}
	return fmt.Sprintf("TXN_%d_%s", time.Now().UnixMilli(), b)
}
