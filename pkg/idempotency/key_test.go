package idempotency

import (
	"encoding/hex"
	"testing"
)

func TestKeyDeterministic(t *testing.T) {
	payload := []byte(`{"specs":[{"icd10":"G35"}]}`)
	a := Key("expand-job", payload)
	b := Key("expand-job", payload)
	if a != b {
		t.Errorf("same inputs hashed differently: %q vs %q", a, b)
	}
}

func TestKeyShape(t *testing.T) {
	key := Key("expand-job", []byte("payload"))
	if len(key) != 64 {
		t.Fatalf("key length = %d, want 64", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		t.Errorf("key %q is not hex: %v", key, err)
	}
}

func TestKeyDistinguishesInputs(t *testing.T) {
	base := Key("expand-job", []byte("a"))
	if Key("expand-job", []byte("b")) == base {
		t.Error("different payloads produced the same key")
	}
	if Key("match-job", []byte("a")) == base {
		t.Error("different handlers produced the same key")
	}
}

func TestKeySeparatesHandlerFromPayload(t *testing.T) {
	// The separator prevents a handler-name suffix from masquerading as the
	// start of the payload.
	if Key("expand-jobs", []byte("pec")) == Key("expand-job", []byte("spec")) {
		t.Error("handler boundary leaked into the payload")
	}
}
