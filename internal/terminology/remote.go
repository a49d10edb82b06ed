package terminology

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wardle/codelists/internal/codelist"
	"github.com/wardle/codelists/pkg/circuitbreaker"
)

// ClientConfig configures a remote terminology server client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "http://hermes.internal:8080".
	BaseURL string
	// APIKey, when set, is sent as X-API-Key on every request.
	APIKey string
	// Timeout bounds each HTTP request. Defaults to 10s.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client implements the codelist collaborator interfaces against a remote
// terminology server. Graph queries and drug-product queries run behind
// separate circuit breakers so one failing endpoint group does not reject
// the other.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	breakers     *circuitbreaker.Manager
	graphBreaker *circuitbreaker.CircuitBreaker
	drugBreaker  *circuitbreaker.CircuitBreaker
	logger       *zap.Logger
}

// NewClient creates a remote terminology client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("terminology client requires a base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	manager := circuitbreaker.NewManager(cfg.Logger)
	graphBreaker, err := manager.GetOrCreate("terminology-graph", circuitbreaker.DefaultConfig("terminology-graph"))
	if err != nil {
		return nil, fmt.Errorf("create graph breaker: %w", err)
	}
	drugBreaker, err := manager.GetOrCreate("drug-products", circuitbreaker.DefaultConfig("drug-products"))
	if err != nil {
		return nil, fmt.Errorf("create drug breaker: %w", err)
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: cfg.Timeout},
		breakers:     manager,
		graphBreaker: graphBreaker,
		drugBreaker:  drugBreaker,
		logger:       cfg.Logger,
	}, nil
}

// BreakerStatus reports the state of the client's circuit breakers, for
// readiness probes.
func (c *Client) BreakerStatus() []circuitbreaker.HealthStatus {
	return c.breakers.GetHealthStatus()
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("terminology server returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, breaker *circuitbreaker.CircuitBreaker, method, path string, query url.Values, body, out interface{}) error {
	_, err := breaker.Execute(ctx, func() (interface{}, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader *bytes.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
			reader = bytes.NewReader(payload)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			return nil, &statusError{code: resp.StatusCode, body: buf.String()}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil, nil
	})
	return err
}

type conceptIDsResponse struct {
	ConceptIDs []int64 `json:"concept_ids"`
}

// ExpandExpression evaluates an expression on the remote server.
func (c *Client) ExpandExpression(ctx context.Context, expr string, includeHistoric bool) (codelist.ConceptSet, error) {
	query := url.Values{"s": {expr}, "historic": {strconv.FormatBool(includeHistoric)}}
	var resp conceptIDsResponse
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, "/v1/expressions/expand", query, nil, &resp); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(resp.ConceptIDs...), nil
}

// FilterExpression asks the server for the subset of ids matched by an
// expression, implementing the codelist.ExpressionFilter fast path.
func (c *Client) FilterExpression(ctx context.Context, expr string, ids []int64) (codelist.ConceptSet, error) {
	body := map[string]interface{}{"expression": expr, "concept_ids": ids}
	var resp conceptIDsResponse
	if err := c.do(ctx, c.graphBreaker, http.MethodPost, "/v1/expressions/filter", nil, body, &resp); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(resp.ConceptIDs...), nil
}

// ReverseMapWildcard performs a reverse cross-map lookup on the server.
func (c *Client) ReverseMapWildcard(ctx context.Context, refsetID int64, field, pattern string) (codelist.ConceptSet, error) {
	path := "/v1/refsets/" + strconv.FormatInt(refsetID, 10) + "/reverse-map"
	query := url.Values{"field": {field}, "prefix": {pattern}}
	var resp conceptIDsResponse
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(resp.ConceptIDs...), nil
}

// WithHistorical closes a set under historical associations on the server.
func (c *Client) WithHistorical(ctx context.Context, set codelist.ConceptSet) (codelist.ConceptSet, error) {
	body := map[string]interface{}{"concept_ids": set.Slice()}
	var resp conceptIDsResponse
	if err := c.do(ctx, c.graphBreaker, http.MethodPost, "/v1/concepts/historical", nil, body, &resp); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(resp.ConceptIDs...), nil
}

// ComponentRefsetItems fetches refset rows for one concept.
func (c *Client) ComponentRefsetItems(ctx context.Context, conceptID, refsetID int64) ([]codelist.RefsetItem, error) {
	path := "/v1/concepts/" + strconv.FormatInt(conceptID, 10) + "/refset-items"
	query := url.Values{"refset": {strconv.FormatInt(refsetID, 10)}}
	var resp struct {
		Items []struct {
			Refset    int64  `json:"refset"`
			Component int64  `json:"component"`
			MapTarget string `json:"map_target"`
		} `json:"items"`
	}
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	items := make([]codelist.RefsetItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		items = append(items, codelist.RefsetItem{
			RefsetID:              item.Refset,
			ReferencedComponentID: item.Component,
			MapTarget:             item.MapTarget,
		})
	}
	return items, nil
}

// AllParents fetches a concept's transitive ancestors.
func (c *Client) AllParents(ctx context.Context, conceptID int64) (codelist.ConceptSet, error) {
	path := "/v1/concepts/" + strconv.FormatInt(conceptID, 10) + "/parents"
	var resp conceptIDsResponse
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(resp.ConceptIDs...), nil
}

// ChildRelationshipsOfType fetches a concept's immediate children by
// relationship type.
func (c *Client) ChildRelationshipsOfType(ctx context.Context, conceptID, typeID int64) (codelist.ConceptSet, error) {
	path := "/v1/concepts/" + strconv.FormatInt(conceptID, 10) + "/children"
	query := url.Values{"type": {strconv.FormatInt(typeID, 10)}}
	var resp conceptIDsResponse
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(resp.ConceptIDs...), nil
}

// ConceptTerm fetches a concept's preferred label.
func (c *Client) ConceptTerm(ctx context.Context, conceptID int64) (string, error) {
	path := "/v1/concepts/" + strconv.FormatInt(conceptID, 10)
	var resp struct {
		ID   int64  `json:"id"`
		Term string `json:"term"`
	}
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, path, nil, nil, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return "", fmt.Errorf("concept %d: %w", conceptID, ErrNotFound)
		}
		return "", err
	}
	return resp.Term, nil
}

// ReleaseMetadata fetches the server's release descriptor.
func (c *Client) ReleaseMetadata(ctx context.Context) (string, error) {
	var resp struct {
		Release string `json:"release"`
	}
	if err := c.do(ctx, c.graphBreaker, http.MethodGet, "/v1/release", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Release, nil
}

// ProductsForPattern queries products by classification pattern.
func (c *Client) ProductsForPattern(ctx context.Context, pattern string) (codelist.ProductGroups, error) {
	query := url.Values{"pattern": {pattern}}
	var resp struct {
		Molecules       []int64 `json:"molecules"`
		GenericProducts []int64 `json:"generic_products"`
		BrandedProducts []int64 `json:"branded_products"`
	}
	if err := c.do(ctx, c.drugBreaker, http.MethodGet, "/v1/products", query, nil, &resp); err != nil {
		return codelist.ProductGroups{}, err
	}
	return codelist.ProductGroups{
		Molecules:       codelist.NewConceptSet(resp.Molecules...),
		GenericProducts: codelist.NewConceptSet(resp.GenericProducts...),
		BrandedProducts: codelist.NewConceptSet(resp.BrandedProducts...),
	}, nil
}

// ProductToAtc fetches a product's classification code. A 404 means the
// product carries no mapping and yields the empty string.
func (c *Client) ProductToAtc(ctx context.Context, conceptID int64) (string, error) {
	path := "/v1/products/" + strconv.FormatInt(conceptID, 10) + "/atc"
	var resp struct {
		Atc string `json:"atc"`
	}
	if err := c.do(ctx, c.drugBreaker, http.MethodGet, path, nil, nil, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return resp.Atc, nil
}

var _ codelist.Graph = (*Client)(nil)
var _ codelist.ExpressionFilter = (*Client)(nil)
var _ codelist.DrugService = (*Client)(nil)
