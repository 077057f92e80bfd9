package webhook

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/syncer"
)

// defaultLookback bounds the fetch window when a notification carries no
// usable date information.
const defaultLookback = time.Hour

// Processor turns raw provider notification payloads into sync requests.
type Processor struct {
	logger zerolog.Logger
	now    func() time.Time
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithClock replaces the clock, used by tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(logger zerolog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		logger: logger.With().Str("component", "webhook_processor").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ----------------------------------------------------------------------------
// Withings
// ----------------------------------------------------------------------------

type withingsNotification struct {
	UserID    string
	Appli     int
	StartDate int64
	EndDate   int64
}

// parseWithings accepts both JSON bodies and the form-encoded bodies the
// provider sends in production.
func parseWithings(body []byte) (withingsNotification, error) {
	var n withingsNotification

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		n.UserID = anyToString(raw["userid"])
		n.Appli = int(anyToInt(raw["appli"]))
		n.StartDate = anyToInt(raw["startdate"])
		n.EndDate = anyToInt(raw["enddate"])
		return n, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return n, fmt.Errorf("parse notification body: %w", err)
	}
	n.UserID = form.Get("userid")
	appli, _ := strconv.Atoi(form.Get("appli"))
	n.Appli = appli
	n.StartDate, _ = strconv.ParseInt(form.Get("startdate"), 10, 64)
	n.EndDate, _ = strconv.ParseInt(form.Get("enddate"), 10, 64)
	return n, nil
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}

func anyToInt(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// Withings resolves one notification to a sync request covering every data
// type the notified appli maps to. An appli with no mapped types is not an
// error; the notification is acknowledged and nothing is queued.
func (p *Processor) Withings(body []byte) (*syncer.Request, error) {
	n, err := parseWithings(body)
	if err != nil {
		return nil, err
	}
	if n.UserID == "" {
		return nil, fmt.Errorf("notification has no userid")
	}

	category := strconv.Itoa(n.Appli)
	types := registry.TypesForCategory(registry.Withings, category)
	if len(types) == 0 {
		p.logger.Info().Int("appli", n.Appli).Msg("no data types mapped to appli, ignoring")
		return nil, nil
	}

	window := &syncer.Range{Start: p.now().Add(-defaultLookback), End: p.now()}
	if n.StartDate > 0 {
		window.Start = time.Unix(n.StartDate, 0).UTC()
		window.End = p.now()
		if n.EndDate > 0 {
			window.End = time.Unix(n.EndDate, 0).UTC()
		}
	}

	p.logger.Info().
		Str("user_id", n.UserID).
		Int("appli", n.Appli).
		Int("data_types", len(types)).
		Msg("withings notification resolved")

	return &syncer.Request{
		UserID:    n.UserID,
		Provider:  registry.Withings,
		DataTypes: types,
		Trigger:   syncer.TriggerWebhook,
		Window:    window,
	}, nil
}

// ----------------------------------------------------------------------------
// Fitbit
// ----------------------------------------------------------------------------

type fitbitNotification struct {
	CollectionType string `json:"collectionType"`
	Date           string `json:"date"`
	OwnerID        string `json:"ownerId"`
	SubscriptionID string `json:"subscriptionId"`
}

const fitbitDateLayout = "2006-01-02"

// Fitbit resolves a notification batch. One malformed entry never blocks the
// others; problems come back as messages alongside the resolved requests.
func (p *Processor) Fitbit(body []byte) ([]syncer.Request, []string) {
	var notifications []fitbitNotification
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, []string{fmt.Sprintf("parse notification body: %v", err)}
	}

	var requests []syncer.Request
	var problems []string
	for i, n := range notifications {
		if n.CollectionType == "userRevokedAccess" {
			p.logger.Info().Str("owner_id", n.OwnerID).Msg("user revoked access, skipping")
			continue
		}
		if n.OwnerID == "" {
			problems = append(problems, fmt.Sprintf("notification %d has no ownerId", i))
			continue
		}
		types := registry.TypesForCategory(registry.Fitbit, n.CollectionType)
		if len(types) == 0 {
			problems = append(problems, fmt.Sprintf("notification %d: unknown collection %q", i, n.CollectionType))
			continue
		}

		window := p.fitbitWindow(n.Date)
		requests = append(requests, syncer.Request{
			UserID:    n.OwnerID,
			Provider:  registry.Fitbit,
			DataTypes: types,
			Trigger:   syncer.TriggerWebhook,
			Window:    window,
		})
	}
	return requests, problems
}

// fitbitWindow covers the notified calendar day, falling back to a short
// lookback when the date does not parse.
func (p *Processor) fitbitWindow(date string) *syncer.Range {
	day, err := time.ParseInLocation(fitbitDateLayout, date, time.UTC)
	if err != nil {
		now := p.now()
		return &syncer.Range{Start: now.Add(-defaultLookback), End: now}
	}
	return &syncer.Range{Start: day, End: day.Add(24 * time.Hour)}
}
