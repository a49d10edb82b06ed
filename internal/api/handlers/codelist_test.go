package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wardle/codelists/internal/codelist"
	"github.com/wardle/codelists/internal/terminology"
)

func newHandlerStore() *terminology.Store {
	store := terminology.NewStore("TEST-2026-08-01")
	store.AddConcept(138875005, "SNOMED CT Concept", true)
	store.AddConcept(6118003, "Demyelinating disease of central nervous system", true, 138875005)
	store.AddConcept(24700007, "Multiple sclerosis", true, 6118003)
	store.AddConcept(426373005, "Relapsing remitting multiple sclerosis", true, 24700007)
	store.AddConcept(155023009, "Multiple sclerosis NOS", false)
	store.AddAssociation(155023009, 24700007)
	store.AddRefsetItem(codelist.RefsetICD10ComplexMap, 24700007, "G35")
	store.AddRefsetItem(codelist.RefsetICD10ComplexMap, 426373005, "G35")
	store.AddConcept(386864001, "Amlodipine", true, 138875005)
	store.AddProduct(386864001, terminology.ProductMolecule, "C08CA01")
	return store
}

func newTestHandler(t *testing.T, graph codelist.Graph, drugs codelist.DrugService) *CodelistHandler {
	t.Helper()
	eval := codelist.New(graph, drugs, codelist.Config{Logger: zap.NewNop()})
	return NewCodelistHandler(CodelistConfig{
		Evaluator:  eval,
		Classifier: codelist.NewClassifier(eval),
		Graph:      graph,
		Logger:     zap.NewNop(),
	})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := newHandlerStore()
	srv := httptest.NewServer(newTestHandler(t, store, store).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestExpandEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/expand", `{"spec":{"icd10":"G35"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Release  string  `json:"release"`
		Count    int     `json:"count"`
		Concepts []int64 `json:"concepts"`
	}
	decodeBody(t, resp, &body)

	if body.Release != "TEST-2026-08-01" {
		t.Errorf("release = %q", body.Release)
	}
	if body.Count != 3 {
		t.Errorf("count = %d, want 3", body.Count)
	}
	want := []int64{24700007, 155023009, 426373005}
	if !reflect.DeepEqual(body.Concepts, want) {
		t.Errorf("concepts = %v, want ascending %v", body.Concepts, want)
	}
}

func TestExpandWithTerms(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/expand", `{"spec":{"icd10":"G35"},"include_terms":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Concepts []ConceptEntry `json:"concepts"`
	}
	decodeBody(t, resp, &body)

	terms := make(map[int64]string)
	for _, entry := range body.Concepts {
		terms[entry.ID] = entry.Term
	}
	if terms[24700007] != "Multiple sclerosis" {
		t.Errorf("term for 24700007 = %q", terms[24700007])
	}
	if terms[155023009] != "Multiple sclerosis NOS" {
		t.Errorf("term for 155023009 = %q", terms[155023009])
	}
}

func TestExpandFHIRFormat(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/expand?format=fhir", `{"spec":{"icd10":"G35"},"include_terms":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var vs struct {
		ResourceType string `json:"resourceType"`
		Version      string `json:"version"`
		Expansion    struct {
			Identifier string `json:"identifier"`
			Total      int    `json:"total"`
			Contains   []struct {
				System  string `json:"system"`
				Code    string `json:"code"`
				Display string `json:"display"`
			} `json:"contains"`
		} `json:"expansion"`
	}
	decodeBody(t, resp, &vs)

	if vs.ResourceType != "ValueSet" {
		t.Errorf("resourceType = %q", vs.ResourceType)
	}
	if vs.Version != "TEST-2026-08-01" {
		t.Errorf("version = %q", vs.Version)
	}
	if !strings.HasPrefix(vs.Expansion.Identifier, "urn:uuid:") {
		t.Errorf("expansion identifier = %q", vs.Expansion.Identifier)
	}
	if vs.Expansion.Total != 3 || len(vs.Expansion.Contains) != 3 {
		t.Errorf("total = %d, contains = %d", vs.Expansion.Total, len(vs.Expansion.Contains))
	}
	first := vs.Expansion.Contains[0]
	if first.System != "http://snomed.info/sct" || first.Code != "24700007" || first.Display != "Multiple sclerosis" {
		t.Errorf("first entry = %+v", first)
	}
}

func TestExpandBadRequests(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing spec", `{}`, "spec is required"},
		{"malformed body", `not json`, "invalid request body"},
		{"invalid specification", `{"spec":{"not":{"ecl":"<<1"}}}`, "invalid codelist specification"},
		{"unknown key", `{"spec":{"read":"G35"}}`, `unsupported key "read"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/expand", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body struct {
				Error string `json:"error"`
			}
			decodeBody(t, resp, &body)
			if !strings.Contains(body.Error, tc.want) {
				t.Errorf("error %q does not mention %q", body.Error, tc.want)
			}
		})
	}
}

func TestExpandFHIRValidationError(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/expand?format=fhir", `{"spec":{"not":{"ecl":"<<1"}}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Severity    string `json:"severity"`
			Code        string `json:"code"`
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	decodeBody(t, resp, &outcome)
	if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Issue[0].Severity != "error" || outcome.Issue[0].Code != "invalid" {
		t.Errorf("issue = %+v", outcome.Issue[0])
	}
}

// brokenGraph fails expression expansion with a configurable error so the
// status mapping can be exercised.
type brokenGraph struct {
	*terminology.Store
	err error
}

func (g *brokenGraph) ExpandExpression(ctx context.Context, expr string, includeHistoric bool) (codelist.ConceptSet, error) {
	return nil, g.err
}

func TestExpandUpstreamFailures(t *testing.T) {
	store := newHandlerStore()

	t.Run("bad gateway", func(t *testing.T) {
		graph := &brokenGraph{Store: store, err: errors.New("connection refused")}
		h := newTestHandler(t, graph, store)
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/expand", `{"spec":{"ecl":"<<24700007"}}`)
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("gateway timeout", func(t *testing.T) {
		graph := &brokenGraph{Store: store, err: context.DeadlineExceeded}
		h := newTestHandler(t, graph, store)
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/expand", `{"spec":{"ecl":"<<24700007"}}`)
		if resp.StatusCode != http.StatusGatewayTimeout {
			t.Errorf("status = %d, want 504", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestMatchEndpoint(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"member", `{"spec":{"icd10":"G35"},"concept_ids":[426373005]}`, true},
		{"legacy member", `{"spec":{"icd10":"G35"},"concept_ids":[155023009]}`, true},
		{"non-member", `{"spec":{"icd10":"G35"},"concept_ids":[386864001]}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/match", tc.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var body MatchResponse
			decodeBody(t, resp, &body)
			if body.Matched != tc.want {
				t.Errorf("matched = %v, want %v", body.Matched, tc.want)
			}
			if body.Release != "TEST-2026-08-01" {
				t.Errorf("release = %q", body.Release)
			}
		})
	}

	resp := postJSON(t, srv.URL+"/match", `{"concept_ids":[1]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing spec: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestClassifyEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/classify/icd10", `{"concept_ids":[426373005]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body ClassifyResponse
	decodeBody(t, resp, &body)
	if !reflect.DeepEqual(body.Codes, []string{"G35"}) {
		t.Errorf("icd10 codes = %v", body.Codes)
	}

	resp = postJSON(t, srv.URL+"/classify/atc", `{"concept_ids":[386864001]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if !reflect.DeepEqual(body.Codes, []string{"C08CA01"}) {
		t.Errorf("atc codes = %v", body.Codes)
	}

	// Unmapped concepts yield an empty list, never null.
	resp = postJSON(t, srv.URL+"/classify/atc", `{"concept_ids":[6118003]}`)
	decodeBody(t, resp, &body)
	if body.Codes == nil || len(body.Codes) != 0 {
		t.Errorf("codes = %#v, want empty list", body.Codes)
	}

	resp = postJSON(t, srv.URL+"/classify/icd10", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing concept_ids: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestJobsRequireDatabase(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/jobs", `{"specs":[{"icd10":"G35"}]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("submit: status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	for _, path := range []string{"/jobs", "/jobs/0198c2f3"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("GET %s: status = %d, want 503", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestReleaseHandler(t *testing.T) {
	store := newHandlerStore()
	h := newTestHandler(t, store, store)

	rec := httptest.NewRecorder()
	h.Release(rec, httptest.NewRequest(http.MethodGet, "/release", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["release"] != "TEST-2026-08-01" {
		t.Errorf("release = %q", body["release"])
	}
}
