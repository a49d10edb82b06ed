package codelist_test

import (
	"context"
	"errors"
	"testing"

	"github.com/wardle/codelists/internal/codelist"
)

func TestMaterialSet(t *testing.T) {
	ctx := context.Background()
	set := codelist.NewMaterialSet(ms, rrms, ppms)

	expanded, err := set.Expand(ctx)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	assertSet(t, expanded, ms, rrms, ppms)

	// The expansion is a copy.
	expanded.Add(nmo)
	again, err := set.Expand(ctx)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	assertSet(t, again, ms, rrms, ppms)

	for _, tc := range []struct {
		ids  []int64
		want bool
	}{
		{[]int64{rrms}, true},
		{[]int64{nmo, ppms}, true},
		{[]int64{nmo}, false},
		{nil, false},
	} {
		got, err := set.Contains(ctx, tc.ids...)
		if err != nil {
			t.Fatalf("contains %v: %v", tc.ids, err)
		}
		if got != tc.want {
			t.Errorf("Contains(%v) = %v, want %v", tc.ids, got, tc.want)
		}
	}
}

func TestMaterializeSetCopies(t *testing.T) {
	src := codelist.NewConceptSet(ms)
	set := codelist.MaterializeSet(src)
	src.Add(nmo)

	expanded, err := set.Expand(context.Background())
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	assertSet(t, expanded, ms)
}

func TestLazySpec(t *testing.T) {
	ctx := context.Background()
	eval, cls := newTestClassifier(t)

	expr, err := codelist.ParseSpec([]byte(`{"icd10":"G35"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	lazy, err := codelist.NewLazySpec(expr, eval, cls)
	if err != nil {
		t.Fatalf("new lazy spec: %v", err)
	}

	expanded, err := lazy.Expand(ctx)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	direct, err := eval.Evaluate(ctx, expr)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !expanded.Equal(direct) {
		t.Errorf("lazy expansion %v differs from direct evaluation %v", expanded.Slice(), direct.Slice())
	}

	matched, err := lazy.Contains(ctx, rrms)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !matched {
		t.Error("expected member")
	}
	matched, err = lazy.Contains(ctx, nmo)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if matched {
		t.Error("expected non-member")
	}
}

func TestNewLazySpecValidates(t *testing.T) {
	eval, cls := newTestClassifier(t)
	_, err := codelist.NewLazySpec(&codelist.And{}, eval, cls)
	var verr *codelist.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
