package terminology

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseExpression(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want []Constraint
	}{
		{"self", "24700007", []Constraint{{Op: OpSelf, ConceptID: 24700007}}},
		{"descendants", "<24700007", []Constraint{{Op: OpDescendants, ConceptID: 24700007}}},
		{"descendants or self", "<<24700007", []Constraint{{Op: OpDescendantsOrSelf, ConceptID: 24700007}}},
		{"disjunction", "<<24700007 OR <230369007 OR 6118003", []Constraint{
			{Op: OpDescendantsOrSelf, ConceptID: 24700007},
			{Op: OpDescendants, ConceptID: 230369007},
			{Op: OpSelf, ConceptID: 6118003},
		}},
		{"space after operator", "<< 24700007", []Constraint{{Op: OpDescendantsOrSelf, ConceptID: 24700007}}},
		{"surrounding whitespace", "  <<24700007  ", []Constraint{{Op: OpDescendantsOrSelf, ConceptID: 24700007}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseExpression(tc.expr)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.expr, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parse %q = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParseExpressionErrors(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want string
	}{
		{"empty", "", "empty expression"},
		{"blank", "   ", "empty expression"},
		{"leading OR", "OR 24700007", "misplaced OR"},
		{"doubled OR", "24700007 OR OR 6118003", "misplaced OR"},
		{"missing OR", "24700007 6118003", "expected OR"},
		{"trailing OR", "24700007 OR", "trailing OR"},
		{"dangling operator", "<<", "dangling operator"},
		{"not an identifier", "<<amlodipine", "not a concept identifier"},
		{"negative identifier", "<<-5", "not a concept identifier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseExpression(tc.expr)
			if err == nil {
				t.Fatalf("parse %q: expected error", tc.expr)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("parse %q: error %q does not mention %q", tc.expr, err, tc.want)
			}
		})
	}
}
