package r5

import "time"

// ValueSet represents a FHIR R5 ValueSet. The codelist services produce
// expansion-only ValueSets: the composition lives in the codelist
// specification, which has no faithful FHIR compose representation.
type ValueSet struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Meta         *Meta              `json:"meta,omitempty"`
	URL          string             `json:"url,omitempty"`
	Identifier   []Identifier       `json:"identifier,omitempty"`
	Version      string             `json:"version,omitempty"`
	Name         string             `json:"name,omitempty"`
	Title        string             `json:"title,omitempty"`
	Status       string             `json:"status"` // draft | active | retired | unknown
	Experimental *bool              `json:"experimental,omitempty"`
	Date         *time.Time         `json:"date,omitempty"`
	Description  string             `json:"description,omitempty"`
	Expansion    *ValueSetExpansion `json:"expansion,omitempty"`
}

// ValueSetExpansion holds the result of expanding a value set.
type ValueSetExpansion struct {
	Identifier string               `json:"identifier,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Total      int                  `json:"total"`
	Parameter  []ExpansionParameter `json:"parameter,omitempty"`
	Contains   []ValueSetContains   `json:"contains,omitempty"`
}

// ExpansionParameter records a parameter that controlled the expansion.
type ExpansionParameter struct {
	Name         string `json:"name"`
	ValueString  string `json:"valueString,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
	ValueURI     string `json:"valueUri,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
}

// ValueSetContains is one concept in an expansion.
type ValueSetContains struct {
	System   string `json:"system,omitempty"`
	Inactive *bool  `json:"inactive,omitempty"`
	Version  string `json:"version,omitempty"`
	Code     string `json:"code"`
	Display  string `json:"display,omitempty"`
}

// NewExpansion creates an expansion-only ValueSet for a resolved codelist.
func NewExpansion(identifier, version string, contains []ValueSetContains) *ValueSet {
	now := time.Now().UTC()
	return &ValueSet{
		ResourceType: "ValueSet",
		Status:       "active",
		Version:      version,
		Date:         &now,
		Expansion: &ValueSetExpansion{
			Identifier: identifier,
			Timestamp:  now,
			Total:      len(contains),
			Contains:   contains,
		},
	}
}
