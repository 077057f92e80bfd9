package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/credential"
	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/resilience"
)

const (
	defaultWithingsNotifyURL = "https://wbsapi.withings.net/notify"
	defaultFitbitAPIURL      = "https://api.fitbit.com"
)

// SubscriptionResult reports the per-category outcome of a subscribe or
// revoke run. Success means at least one category went through; individual
// failures stay in Failed for the caller to inspect.
type SubscriptionResult struct {
	UserID     string
	Provider   registry.Provider
	Succeeded  []string
	Failed     map[string]string
	Success    bool
	ExecutedAt time.Time
}

// Subscription is one provider-side notification registration.
type Subscription struct {
	Category    string
	CallbackURL string
	Comment     string
}

// Manager creates and revokes provider notification subscriptions so data
// changes get pushed instead of polled.
type Manager struct {
	creds        credential.Store
	http         *http.Client
	withingsURL  string
	fitbitURL    string
	callbackBase string
	logger       zerolog.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.http = c }
}

// WithWithingsNotifyURL overrides the notification API endpoint.
func WithWithingsNotifyURL(u string) ManagerOption {
	return func(m *Manager) { m.withingsURL = u }
}

// WithFitbitAPIURL overrides the Fitbit API base.
func WithFitbitAPIURL(u string) ManagerOption {
	return func(m *Manager) { m.fitbitURL = u }
}

// NewManager builds a subscription manager. callbackBase is the public base
// URL of the notification endpoints, without a trailing slash.
func NewManager(creds credential.Store, callbackBase string, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		creds:        creds,
		http:         &http.Client{Timeout: 30 * time.Second},
		withingsURL:  defaultWithingsNotifyURL,
		fitbitURL:    defaultFitbitAPIURL,
		callbackBase: strings.TrimSuffix(callbackBase, "/"),
		logger:       logger.With().Str("component", "subscriptions").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers notifications covering the given data types. With no
// types given, every type the provider supports is covered. Categories fail
// independently.
func (m *Manager) Subscribe(ctx context.Context, userID string, prov registry.Provider, types []registry.DataType) (*SubscriptionResult, error) {
	return m.run(ctx, userID, prov, types, true)
}

// Unsubscribe revokes the notifications covering the given data types.
func (m *Manager) Unsubscribe(ctx context.Context, userID string, prov registry.Provider, types []registry.DataType) (*SubscriptionResult, error) {
	return m.run(ctx, userID, prov, types, false)
}

func (m *Manager) run(ctx context.Context, userID string, prov registry.Provider, types []registry.DataType, subscribe bool) (*SubscriptionResult, error) {
	if len(types) == 0 {
		types = registry.SupportedTypes(prov)
	}
	categories := registry.CategoriesFor(prov, types)
	if len(categories) == 0 {
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("no subscription categories for provider %q", prov))
	}

	token, err := m.creds.Get(ctx, userID, prov)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("load credentials for %s/%s: %w", prov, userID, err))
	}

	result := &SubscriptionResult{
		UserID:     userID,
		Provider:   prov,
		Failed:     map[string]string{},
		ExecutedAt: time.Now().UTC(),
	}
	for _, cat := range categories {
		var opErr error
		switch prov {
		case registry.Withings:
			opErr = m.withingsNotify(ctx, token.AccessToken, userID, cat, subscribe)
		case registry.Fitbit:
			opErr = m.fitbitSubscription(ctx, token.AccessToken, userID, cat, subscribe)
		default:
			opErr = fmt.Errorf("unsupported provider %q", prov)
		}
		if opErr != nil {
			m.logger.Error().Err(opErr).Str("category", cat).Msg("subscription operation failed")
			result.Failed[cat] = opErr.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, cat)
	}
	result.Success = len(result.Succeeded) > 0
	m.logger.Info().
		Str("user_id", userID).
		Str("provider", string(prov)).
		Bool("subscribe", subscribe).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("subscription run finished")
	return result, nil
}

// ----------------------------------------------------------------------------
// Withings
// ----------------------------------------------------------------------------

// withingsNotify drives the notify API. The response is a status envelope
// where zero means success.
func (m *Manager) withingsNotify(ctx context.Context, accessToken, userID, appli string, subscribe bool) error {
	action := "revoke"
	if subscribe {
		action = "subscribe"
	}
	form := url.Values{
		"action":      {action},
		"callbackurl": {m.callbackBase + "/withings"},
		"appli":       {appli},
		"comment":     {fmt.Sprintf("health_sync_%s_%s", userID, appli)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.withingsURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return resilience.Wrap(resilience.CategoryNetwork, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Status int    `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode notify response: %w", err)
	}
	if envelope.Status == 401 {
		return resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("notify %s appli %s: token rejected", action, appli))
	}
	if envelope.Status != 0 {
		return resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("notify %s appli %s: status %d %s", action, appli, envelope.Status, envelope.Error))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Fitbit
// ----------------------------------------------------------------------------

// fitbitSubscription drives the per-collection subscription API. On create,
// 201 and 409 both mean the subscription exists.
func (m *Manager) fitbitSubscription(ctx context.Context, accessToken, userID, collection string, subscribe bool) error {
	subID := fmt.Sprintf("%s-%s", userID, collection)
	endpoint := fmt.Sprintf("%s/1/user/-/%s/apiSubscriptions/%s.json", m.fitbitURL, collection, subID)

	method := http.MethodDelete
	if subscribe {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.http.Do(req)
	if err != nil {
		return resilience.Wrap(resilience.CategoryNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case subscribe && (resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict):
		return nil
	case !subscribe && (resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound):
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("subscription %s %s: status %d", method, collection, resp.StatusCode))
	default:
		return resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("subscription %s %s: status %d", method, collection, resp.StatusCode))
	}
}

// List returns the user's current Fitbit subscriptions. Withings has no
// listing API, so callers track those locally.
func (m *Manager) List(ctx context.Context, userID string, prov registry.Provider) ([]Subscription, error) {
	if prov != registry.Fitbit {
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("listing is only available for fitbit"))
	}
	token, err := m.creds.Get(ctx, userID, prov)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.fitbitURL+"/1/user/-/apiSubscriptions.json", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("list subscriptions: status %d", resp.StatusCode))
	}

	var payload struct {
		APISubscriptions []struct {
			CollectionType string `json:"collectionType"`
			SubscriptionID string `json:"subscriptionId"`
		} `json:"apiSubscriptions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode subscription list: %w", err)
	}

	subs := make([]Subscription, 0, len(payload.APISubscriptions))
	for _, s := range payload.APISubscriptions {
		subs = append(subs, Subscription{
			Category:    s.CollectionType,
			CallbackURL: m.callbackBase + "/fitbit",
			Comment:     s.SubscriptionID,
		})
	}
	return subs, nil
}
