package codelist_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/wardle/codelists/internal/codelist"
)

func newTestClassifier(t *testing.T) (*codelist.Evaluator, *codelist.Classifier) {
	t.Helper()
	store := newTestStore()
	eval := codelist.New(store, store, codelist.Config{Logger: zap.NewNop()})
	return eval, codelist.NewClassifier(eval)
}

func anyMatch(t *testing.T, cls *codelist.Classifier, spec string, ids []int64) bool {
	t.Helper()
	expr, err := codelist.ParseSpec([]byte(spec))
	if err != nil {
		t.Fatalf("parse %s: %v", spec, err)
	}
	matched, err := cls.AnyMatch(context.Background(), expr, ids)
	if err != nil {
		t.Fatalf("match %s: %v", spec, err)
	}
	return matched
}

func TestAnyMatch(t *testing.T) {
	_, cls := newTestClassifier(t)
	cases := []struct {
		name string
		spec string
		ids  []int64
		want bool
	}{
		{"diagnosis member", `{"icd10":"G35"}`, []int64{rrms}, true},
		{"diagnosis non-member", `{"icd10":"G35"}`, []int64{nmo}, false},
		{"legacy concept through historical closure", `{"icd10":"G35"}`, []int64{legacyMS}, true},
		{"diagnosis prefix", `{"icd10":"G3"}`, []int64{nmo}, true},
		{"expression subsumption", `{"ecl":"<<6118003"}`, []int64{ppms}, true},
		{"expression legacy concept", `{"ecl":"<<6118003"}`, []int64{legacyMS}, true},
		{"expression non-member", `{"ecl":"<24700007"}`, []int64{ms}, false},
		{"drug molecule", `{"atc":"C08CA01"}`, []int64{amlodipine}, true},
		{"drug branded product", `{"atc":"C08CA01"}`, []int64{istinTablets}, true},
		{"trade family through its children", `{"atc":"C08CA01"}`, []int64{istin}, true},
		{"pack never matches", `{"atc":"C08CA01"}`, []int64{istinPack}, false},
		{"wrong drug class", `{"atc":"C08CA01"}`, []int64{felodipine}, false},
		{"drug prefix covers siblings", `{"atc":"C08"}`, []int64{felodipine}, true},
		{"exclusion removes subtype", `{"icd10":"G35","not":{"ecl":"<24700007"}}`, []int64{rrms}, false},
		{"exclusion keeps parent", `{"icd10":"G35","not":{"ecl":"<24700007"}}`, []int64{ms}, true},
		{"intersection needs both systems", `{"and":[{"icd10":"G3"},{"atc":"C08CA01"}]}`, []int64{ms}, false},
		{"any of several candidates", `{"icd10":"G35"}`, []int64{nmo, felodipine, ppms}, true},
		{"none of several candidates", `{"icd10":"G35"}`, []int64{nmo, felodipine}, false},
		{"unknown identifier", `{"icd10":"G35"}`, []int64{999999}, false},
		{"no candidates", `{"icd10":"G35"}`, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := anyMatch(t, cls, tc.spec, tc.ids); got != tc.want {
				t.Errorf("AnyMatch(%s, %v) = %v, want %v", tc.spec, tc.ids, got, tc.want)
			}
		})
	}
}

// TestAnyMatchAgreesWithEvaluate pins the duality between forward expansion
// and reverse membership: for any specification and candidate list, AnyMatch
// answers exactly whether the full expansion intersects the candidates.
func TestAnyMatchAgreesWithEvaluate(t *testing.T) {
	eval, cls := newTestClassifier(t)
	specs := []string{
		`{"ecl":"<<24700007"}`,
		`{"ecl":"<24700007"}`,
		`{"icd10":"G35"}`,
		`{"icd10":["G35","G36.0"]}`,
		`{"atc":"C08CA01"}`,
		`{"atc":"C08*"}`,
		`{"icd10":"G35","not":{"ecl":"<24700007"}}`,
		`{"and":[{"icd10":"G3"},{"ecl":"<<24700007"}]}`,
		`{"ecl":"<<230369007","atc":"C08CA02"}`,
	}
	candidates := [][]int64{
		{ms}, {rrms}, {ppms}, {nmo}, {legacyMS},
		{amlodipine}, {amlodipineTablets}, {istin}, {istinTablets}, {istinPack},
		{felodipine}, {999999},
		{nmo, istinPack}, {legacyMS, felodipine},
	}
	for _, spec := range specs {
		full := evaluate(t, eval, spec)
		for _, ids := range candidates {
			got := anyMatch(t, cls, spec, ids)
			want := !full.Intersect(codelist.NewConceptSet(ids...)).IsEmpty()
			if got != want {
				t.Errorf("spec %s ids %v: AnyMatch = %v, expansion intersection = %v", spec, ids, got, want)
			}
		}
	}
}

func TestClassifyToIcd10(t *testing.T) {
	_, cls := newTestClassifier(t)
	cases := []struct {
		name string
		ids  []int64
		want []string
	}{
		{"single concept", []int64{rrms}, []string{"G35"}},
		{"legacy concept through historical closure", []int64{legacyMS}, []string{"G35"}},
		{"sorted and deduplicated", []int64{nmo, ms, rrms}, []string{"G35", "G36.0"}},
		{"unmapped concept", []int64{disease}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cls.ClassifyToIcd10(context.Background(), tc.ids)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ClassifyToIcd10(%v) = %v, want %v", tc.ids, got, tc.want)
			}
		})
	}
}

func TestClassifyToAtc(t *testing.T) {
	_, cls := newTestClassifier(t)
	cases := []struct {
		name string
		ids  []int64
		want []string
	}{
		{"molecule", []int64{amlodipine}, []string{"C08CA01"}},
		{"generic product", []int64{amlodipineTablets}, []string{"C08CA01"}},
		{"branded product", []int64{istinTablets}, []string{"C08CA01"}},
		{"trade family substitutes its children", []int64{istin}, []string{"C08CA01"}},
		{"pack maps to nothing", []int64{istinPack}, []string{}},
		{"sorted and deduplicated", []int64{amlodipine, istinTablets, felodipine}, []string{"C08CA01", "C08CA02"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cls.ClassifyToAtc(context.Background(), tc.ids)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ClassifyToAtc(%v) = %v, want %v", tc.ids, got, tc.want)
			}
		})
	}
}

func TestAnyMatchValidation(t *testing.T) {
	_, cls := newTestClassifier(t)
	matched, err := cls.AnyMatch(context.Background(), &codelist.And{}, []int64{ms})
	if matched {
		t.Error("invalid specification must not match")
	}
	var verr *codelist.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAnyMatchCancelled(t *testing.T) {
	_, cls := newTestClassifier(t)
	expr, err := codelist.ParseSpec([]byte(`{"icd10":"G35"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cls.AnyMatch(ctx, expr, []int64{ms}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
