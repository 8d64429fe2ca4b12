package idgen

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Fatalf("expected 36 chars, got %d: %s", len(id), id)
	}
	for _, pos := range []int{8, 13, 18, 23} {
		if id[pos] != '-' {
			t.Errorf("expected dash at %d in %s", pos, id)
		}
	}
	if New() == New() {
		t.Error("consecutive ids should differ")
	}
}

func TestTransactionID(t *testing.T) {
	before := time.Now().UnixMilli()
	id := TransactionID()
	after := time.Now().UnixMilli()

	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != "TXN" {
		t.Fatalf("unexpected format: %s", id)
	}

	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		t.Fatalf("timestamp part is not an integer: %s", parts[1])
	}
	if ms < before || ms > after {
		t.Errorf("timestamp %d outside [%d, %d]", ms, before, after)
	}

	if len(parts[2]) != 6 {
		t.Fatalf("expected 6-char suffix, got %q", parts[2])
	}
	if parts[2] != strings.ToUpper(parts[2]) {
		t.Errorf("suffix should be uppercase, got %q", parts[2])
	}
	for _, c := range parts[2] {
		if !strings.ContainsRune(txnAlphabet, c) {
			t.Errorf("suffix char %q outside alphabet", c)
		}
	}

	if TransactionID() == TransactionID() {
		t.Error("consecutive ids should differ")
	}
}
