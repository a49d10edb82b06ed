package codelist_test

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wardle/codelists/internal/codelist"
)

func TestTranslateDrugPattern(t *testing.T) {
	store := newTestStore()
	tr := codelist.NewTranslator(store, store, zap.NewNop())

	expr, err := tr.Translate(context.Background(), "C08CA01")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	// Molecule and generic product directly, the branded product through its
	// trade family, identifiers in ascending order.
	want := fmt.Sprintf("<<%d OR <<%d OR <<%d", amlodipineTablets, amlodipine, istin)
	if expr != want {
		t.Errorf("expression = %q, want %q", expr, want)
	}
}

func TestTranslatePrefix(t *testing.T) {
	store := newTestStore()
	tr := codelist.NewTranslator(store, store, zap.NewNop())

	expr, err := tr.Translate(context.Background(), "C08*")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := fmt.Sprintf("<<%d OR <<%d OR <<%d OR <<%d OR <<%d",
		amlodipineTablets, felodipine, amlodipine, felodipineTablets, istin)
	if expr != want {
		t.Errorf("expression = %q, want %q", expr, want)
	}
}

func TestTranslateDeterministic(t *testing.T) {
	store := newTestStore()
	tr := codelist.NewTranslator(store, store, zap.NewNop())

	first, err := tr.Translate(context.Background(), "C08*")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	for i := 0; i < 5; i++ {
		expr, err := tr.Translate(context.Background(), "C08*")
		if err != nil {
			t.Fatalf("translate: %v", err)
		}
		if expr != first {
			t.Fatalf("run %d produced %q, first run produced %q", i+1, expr, first)
		}
	}
}

func TestTranslateNoMatch(t *testing.T) {
	store := newTestStore()
	tr := codelist.NewTranslator(store, store, zap.NewNop())

	expr, err := tr.Translate(context.Background(), "J01")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if expr != "" {
		t.Errorf("expected empty sentinel for unmatched pattern, got %q", expr)
	}
}

func TestTranslateExcludesBrandedAndPackIdentifiers(t *testing.T) {
	store := newTestStore()
	tr := codelist.NewTranslator(store, store, zap.NewNop())

	expr, err := tr.Translate(context.Background(), "C08CA01")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if strings.Contains(expr, strconv.FormatInt(istinTablets, 10)) {
		t.Errorf("branded product listed directly in %q; it is covered by its trade family", expr)
	}
	if strings.Contains(expr, strconv.FormatInt(istinPack, 10)) {
		t.Errorf("packaging-level product listed in %q", expr)
	}
	if !strings.Contains(expr, strconv.FormatInt(istin, 10)) {
		t.Errorf("trade family missing from %q", expr)
	}
}
