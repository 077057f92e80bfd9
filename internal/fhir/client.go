package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/resilience"
)

// Bundle is a decoded FHIR search result.
type Bundle struct {
	Total   int
	Entries []Resource
}

// Client talks to the downstream FHIR server. All calls run under the
// fhir_server circuit breaker and the shared retry policy.
type Client struct {
	baseURL    string
	http       *http.Client
	authHeader string
	breaker    *resilience.Breaker
	retryer    *resilience.Retryer
	logger     zerolog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithBearerToken authenticates outbound calls with a bearer token.
func WithBearerToken(token string) ClientOption {
	return func(cl *Client) { cl.authHeader = "Bearer " + token }
}

// WithBreaker runs all calls under the given circuit breaker.
func WithBreaker(b *resilience.Breaker) ClientOption {
	return func(cl *Client) { cl.breaker = b }
}

// WithRetryer replaces the retry policy.
func WithRetryer(r *resilience.Retryer) ClientOption {
	return func(cl *Client) { cl.retryer = r }
}

func NewClient(baseURL string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "fhir_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryer == nil {
		c.retryer = resilience.NewRetryer(resilience.DefaultRetryConfig(), logger)
	}
	return c
}

// ----------------------------------------------------------------------------
// CRUD operations
// ----------------------------------------------------------------------------

// Search runs a search against one resource type.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	path := "/" + resourceType
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeBundle(raw)
}

// Get reads one resource by id.
func (c *Client) Get(ctx context.Context, resourceType, id string) (Resource, error) {
	raw, err := c.do(ctx, http.MethodGet, "/"+resourceType+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	return decodeResource(raw)
}

// Create stores a new resource and returns the server's representation.
func (c *Client) Create(ctx context.Context, resourceType string, res Resource) (Resource, error) {
	raw, err := c.do(ctx, http.MethodPost, "/"+resourceType, res)
	if err != nil {
		return nil, err
	}
	return decodeResource(raw)
}

// Update replaces an existing resource.
func (c *Client) Update(ctx context.Context, resourceType, id string, res Resource) (Resource, error) {
	res["id"] = id
	raw, err := c.do(ctx, http.MethodPut, "/"+resourceType+"/"+id, res)
	if err != nil {
		return nil, err
	}
	return decodeResource(raw)
}

// Delete removes a resource.
func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+resourceType+"/"+id, nil)
	return err
}

// FindResourceByIdentifier searches for a resource carrying the given
// identifier and returns the first match.
func (c *Client) FindResourceByIdentifier(ctx context.Context, resourceType, system, value string) (Resource, bool, error) {
	params := url.Values{"identifier": {system + "|" + value}}
	bundle, err := c.Search(ctx, resourceType, params)
	if err != nil {
		return nil, false, err
	}
	if len(bundle.Entries) == 0 {
		return nil, false, nil
	}
	return bundle.Entries[0], true, nil
}

// UpsertResource creates the resource, or updates the existing one carrying
// the same identifier. The returned bool is true when a new resource was
// created.
func (c *Client) UpsertResource(ctx context.Context, resourceType, system, value string, res Resource) (Resource, bool, error) {
	existing, found, err := c.FindResourceByIdentifier(ctx, resourceType, system, value)
	if err != nil {
		return nil, false, err
	}
	if !found {
		created, cerr := c.Create(ctx, resourceType, res)
		return created, true, cerr
	}
	id, _ := existing["id"].(string)
	if id == "" {
		return nil, false, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("existing %s with identifier %s|%s has no id", resourceType, system, value))
	}
	updated, uerr := c.Update(ctx, resourceType, id, res)
	return updated, false, uerr
}

// FindActiveDeviceAssociations returns the active DeviceAssociation resources
// for one patient.
func (c *Client) FindActiveDeviceAssociations(ctx context.Context, patientRef string) ([]Resource, error) {
	params := url.Values{
		"subject": {patientRef},
		"status":  {"active"},
	}
	bundle, err := c.Search(ctx, "DeviceAssociation", params)
	if err != nil {
		return nil, err
	}
	return bundle.Entries, nil
}

// ----------------------------------------------------------------------------
// Transport
// ----------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var raw []byte
	err := c.retryer.Do(ctx, method+" "+path, func(ctx context.Context) error {
		call := func(ctx context.Context) error {
			var rerr error
			raw, rerr = c.roundTrip(ctx, method, path, body)
			return rerr
		}
		if c.breaker != nil {
			return c.breaker.Call(ctx, call)
		}
		return call(ctx)
	})
	return raw, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, resilience.Wrap(resilience.CategoryValidation, fmt.Errorf("encode resource: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("fhir request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("read fhir response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("fhir server rejected credentials (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.Wrap(resilience.CategoryRateLimit,
			fmt.Errorf("fhir server rate limit (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("fhir server error (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("fhir server rejected resource (status %d): %s", resp.StatusCode, truncate(raw, 300)))
	default:
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("fhir server unexpected status %d", resp.StatusCode))
	}
}

func decodeResource(raw []byte) (Resource, error) {
	if len(raw) == 0 {
		return Resource{}, nil
	}
	var res Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode fhir resource: %w", err))
	}
	return res, nil
}

func decodeBundle(raw []byte) (*Bundle, error) {
	var parsed struct {
		Total int `json:"total"`
		Entry []struct {
			Resource Resource `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode fhir bundle: %w", err))
	}
	b := &Bundle{Total: parsed.Total}
	for _, e := range parsed.Entry {
		if e.Resource != nil {
			b.Entries = append(b.Entries, e.Resource)
		}
	}
	return b, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
