package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/credential"
	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/resilience"
)

const (
	withingsBaseURL    = "https://wbsapi.withings.net"
	withingsRateLimit  = 120
	withingsRateWindow = time.Minute
	withingsStatusOK   = 0
	withingsStatusAuth = 401
	withingsTokenPath  = "/v2/oauth2"
	withingsDevicePath = "/v2/user"
)

// ECG rhythm classification labels keyed by the afib flag.
var withingsAfibLabels = map[int]string{
	0: "Normal sinus rhythm",
	1: "Atrial fibrillation detected",
	2: "Inconclusive",
}

var errWithingsTokenExpired = errors.New("withings access token expired")

// WithingsClient talks to the Withings public API.
type WithingsClient struct {
	creds        credential.Store
	clientID     string
	clientSecret string
	baseURL      string
	http         *http.Client
	limiter      *slidingLimiter
	breaker      *resilience.Breaker
	logger       zerolog.Logger
	now          func() time.Time
}

func NewWithingsClient(creds credential.Store, clientID, clientSecret string, logger zerolog.Logger, opts ...Option) *WithingsClient {
	o := buildOptions(withingsBaseURL, withingsRateLimit, withingsRateWindow, opts)
	return &WithingsClient{
		creds:        creds,
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      strings.TrimRight(o.baseURL, "/"),
		http:         o.httpClient,
		limiter:      newSlidingLimiter(o.rateLimit, o.rateWindow),
		breaker:      o.breaker,
		logger:       logger.With().Str("component", "withings_client").Logger(),
		now:          o.now,
	}
}

func (c *WithingsClient) Provider() registry.Provider { return registry.Withings }

// FetchData fetches and normalizes one data type for one user.
func (c *WithingsClient) FetchData(ctx context.Context, q Query) ([]Record, error) {
	cfg, ok := registry.Lookup(registry.Withings, q.DataType)
	if !ok {
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("withings does not support data type %q", q.DataType))
	}

	var records []Record
	err := c.protect(ctx, func(ctx context.Context) error {
		var ferr error
		records, ferr = c.fetch(ctx, q, cfg)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FetchDevices lists the user's registered Withings devices.
func (c *WithingsClient) FetchDevices(ctx context.Context, userID string) ([]Device, error) {
	var devices []Device
	err := c.protect(ctx, func(ctx context.Context) error {
		body, aerr := c.authorized(ctx, userID, withingsDevicePath, url.Values{"action": {"getdevice"}})
		if aerr != nil {
			return aerr
		}
		var parsed struct {
			Devices []struct {
				DeviceID        string `json:"deviceid"`
				Type            string `json:"type"`
				Model           string `json:"model"`
				Battery         string `json:"battery"`
				FirmwareVersion string `json:"fw"`
				LastSessionDate int64  `json:"last_session_date"`
			} `json:"devices"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode device list: %w", err))
		}
		devices = devices[:0]
		for _, d := range parsed.Devices {
			dev := Device{
				ID:              d.DeviceID,
				Type:            d.Type,
				Model:           d.Model,
				Manufacturer:    "Withings",
				Battery:         d.Battery,
				FirmwareVersion: d.FirmwareVersion,
			}
			if d.LastSessionDate > 0 {
				dev.LastSession = time.Unix(d.LastSessionDate, 0).UTC()
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *WithingsClient) protect(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Call(ctx, fn)
}

// ----------------------------------------------------------------------------
// Fetch dispatch
// ----------------------------------------------------------------------------

func (c *WithingsClient) fetch(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	switch cfg.Processor {
	case "measuregrps":
		return c.fetchMeasures(ctx, q, cfg)
	case "activities":
		return c.fetchActivity(ctx, q, cfg)
	case "ecg":
		return c.fetchECG(ctx, q, cfg)
	case "sleep_summary":
		return c.fetchSleepSummary(ctx, q, cfg)
	case "sleep_series":
		return c.fetchSleepSeries(ctx, q, cfg)
	default:
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("unknown withings processor %q", cfg.Processor))
	}
}

func (c *WithingsClient) fetchMeasures(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	types := make([]string, len(cfg.MeasureTypes))
	for i, mt := range cfg.MeasureTypes {
		types[i] = strconv.Itoa(mt)
	}
	params := url.Values{
		"action":    {cfg.Action},
		"meastypes": {strings.Join(types, ",")},
		"startdate": {strconv.FormatInt(q.Start.Unix(), 10)},
		"enddate":   {strconv.FormatInt(q.End.Unix(), 10)},
	}
	body, err := c.authorized(ctx, q.UserID, cfg.Endpoint, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		MeasureGrps []struct {
			Date     int64             `json:"date"`
			Category int               `json:"category"`
			Measures []withingsMeasure `json:"measures"`
		} `json:"measuregrps"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode measuregrps: %w", err))
	}

	wanted := map[int]bool{}
	for _, mt := range cfg.MeasureTypes {
		wanted[mt] = true
	}

	var records []Record
	for _, grp := range parsed.MeasureGrps {
		ts := time.Unix(grp.Date, 0).UTC()
		// Group category 1 is a real measurement; everything else is a user
		// objective or manual entry.
		category := CategoryUserEntered
		if grp.Category == 1 {
			category = CategoryDeviceMeasured
		}

		if q.DataType == registry.BloodPressure {
			if rec, ok := decodeBloodPressure(grp.Measures, ts, category); ok {
				records = append(records, rec)
			}
			continue
		}
		for _, m := range grp.Measures {
			if !wanted[m.Type] {
				continue
			}
			records = append(records, Record{
				DataType:  q.DataType,
				Timestamp: ts,
				Value:     scaledValue(m.Value, m.Unit),
				Unit:      UnitFor(q.DataType),
				Category:  category,
				Meta:      map[string]any{"meastype": m.Type},
			})
		}
	}
	return records, nil
}

// scaledValue decodes Withings fixed-point measures: value * 10^unit when the
// unit exponent is nonzero.
func scaledValue(value, unit int) float64 {
	if unit == 0 {
		return float64(value)
	}
	return float64(value) * math.Pow(10, float64(unit))
}

type withingsMeasure struct {
	Value int `json:"value"`
	Type  int `json:"type"`
	Unit  int `json:"unit"`
}

func decodeBloodPressure(measures []withingsMeasure, ts time.Time, category int) (Record, bool) {
	var systolic, diastolic float64
	var haveSys, haveDia bool
	for _, m := range measures {
		switch m.Type {
		case 10:
			systolic = scaledValue(m.Value, m.Unit)
			haveSys = true
		case 9:
			diastolic = scaledValue(m.Value, m.Unit)
			haveDia = true
		}
	}
	if !haveSys || !haveDia {
		return Record{}, false
	}
	return Record{
		DataType:  registry.BloodPressure,
		Timestamp: ts,
		Value:     systolic,
		Unit:      UnitFor(registry.BloodPressure),
		Category:  category,
		Meta:      map[string]any{"systolic": systolic, "diastolic": diastolic},
	}, true
}

func (c *WithingsClient) fetchActivity(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	params := url.Values{
		"action":       {cfg.Action},
		"startdateymd": {q.Start.UTC().Format("2006-01-02")},
		"enddateymd":   {q.End.UTC().Format("2006-01-02")},
		"data_fields":  {"steps"},
	}
	body, err := c.authorized(ctx, q.UserID, cfg.Endpoint, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Activities []struct {
			Date  string `json:"date"`
			Steps int    `json:"steps"`
		} `json:"activities"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode activities: %w", err))
	}

	var records []Record
	for _, a := range parsed.Activities {
		day, perr := time.ParseInLocation("2006-01-02", a.Date, time.UTC)
		if perr != nil {
			c.logger.Warn().Str("date", a.Date).Msg("skipping activity with unparseable date")
			continue
		}
		records = append(records, Record{
			DataType:  registry.Steps,
			Timestamp: day,
			Value:     float64(a.Steps),
			Unit:      UnitFor(registry.Steps),
			Category:  CategoryDeviceMeasured,
			Meta:      map[string]any{"granularity": "daily"},
		})
	}
	return records, nil
}

func (c *WithingsClient) fetchECG(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	params := url.Values{
		"action":    {cfg.Action},
		"startdate": {strconv.FormatInt(q.Start.Unix(), 10)},
		"enddate":   {strconv.FormatInt(q.End.Unix(), 10)},
	}
	body, err := c.authorized(ctx, q.UserID, cfg.Endpoint, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Series []struct {
			Timestamp int64 `json:"timestamp"`
			ECG       struct {
				SignalID int64 `json:"signalid"`
				Afib     int   `json:"afib"`
			} `json:"ecg"`
			HeartRate struct {
				Value int `json:"value"`
			} `json:"heart_rate"`
		} `json:"series"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode ecg series: %w", err))
	}

	var records []Record
	for _, s := range parsed.Series {
		label, ok := withingsAfibLabels[s.ECG.Afib]
		if !ok {
			label = withingsAfibLabels[2]
		}
		records = append(records, Record{
			DataType:  registry.ECG,
			Timestamp: time.Unix(s.Timestamp, 0).UTC(),
			Value:     float64(s.HeartRate.Value),
			Unit:      UnitFor(registry.ECG),
			Category:  CategoryDeviceMeasured,
			Meta: map[string]any{
				"classification": label,
				"afib":           s.ECG.Afib,
				"signal_id":      s.ECG.SignalID,
			},
		})
	}
	return records, nil
}

func (c *WithingsClient) fetchSleepSummary(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	params := url.Values{
		"action":       {cfg.Action},
		"startdateymd": {q.Start.UTC().Format("2006-01-02")},
		"enddateymd":   {q.End.UTC().Format("2006-01-02")},
	}
	body, err := c.authorized(ctx, q.UserID, cfg.Endpoint, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Series []struct {
			Startdate int64 `json:"startdate"`
			Enddate   int64 `json:"enddate"`
			Data      struct {
				TotalSleepTime     int `json:"total_sleep_time"`
				DeepSleepDuration  int `json:"deepsleepduration"`
				LightSleepDuration int `json:"lightsleepduration"`
				RemSleepDuration   int `json:"remsleepduration"`
			} `json:"data"`
		} `json:"series"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode sleep summary: %w", err))
	}

	var records []Record
	for _, s := range parsed.Series {
		total := s.Data.TotalSleepTime
		if total == 0 {
			total = s.Data.DeepSleepDuration + s.Data.LightSleepDuration + s.Data.RemSleepDuration
		}
		records = append(records, Record{
			DataType:  registry.Sleep,
			Timestamp: time.Unix(s.Startdate, 0).UTC(),
			Value:     float64(total) / 3600,
			Unit:      UnitFor(registry.Sleep),
			Category:  CategoryDeviceMeasured,
			Meta: map[string]any{
				"deep_s":  s.Data.DeepSleepDuration,
				"light_s": s.Data.LightSleepDuration,
				"rem_s":   s.Data.RemSleepDuration,
				"end":     time.Unix(s.Enddate, 0).UTC(),
			},
		})
	}
	return records, nil
}

func (c *WithingsClient) fetchSleepSeries(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	params := url.Values{
		"action":      {cfg.Action},
		"startdate":   {strconv.FormatInt(q.Start.Unix(), 10)},
		"enddate":     {strconv.FormatInt(q.End.Unix(), 10)},
		"data_fields": {"rr"},
	}
	body, err := c.authorized(ctx, q.UserID, cfg.Endpoint, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Series []struct {
			RR map[string]float64 `json:"rr"`
		} `json:"series"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode sleep series: %w", err))
	}

	var records []Record
	for _, s := range parsed.Series {
		for tsStr, rr := range s.RR {
			sec, perr := strconv.ParseInt(tsStr, 10, 64)
			if perr != nil {
				continue
			}
			records = append(records, Record{
				DataType:  registry.RRIntervals,
				Timestamp: time.Unix(sec, 0).UTC(),
				Value:     rr,
				Unit:      UnitFor(registry.RRIntervals),
				Category:  CategoryDeviceMeasured,
			})
		}
	}
	return records, nil
}

// ----------------------------------------------------------------------------
// Auth and transport
// ----------------------------------------------------------------------------

// authorized performs one API call with the user's token, refreshing it
// exactly once if the provider reports it expired.
func (c *WithingsClient) authorized(ctx context.Context, userID, endpoint string, params url.Values) (json.RawMessage, error) {
	tok, err := c.creds.Get(ctx, userID, registry.Withings)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("load withings credentials for user %s: %w", userID, err))
	}

	body, err := c.apiCall(ctx, tok.AccessToken, endpoint, params)
	if !errors.Is(err, errWithingsTokenExpired) {
		return body, err
	}

	c.logger.Info().Str("user_id", userID).Msg("access token expired, refreshing")
	tok, err = c.refreshToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	return c.apiCall(ctx, tok.AccessToken, endpoint, params)
}

func (c *WithingsClient) apiCall(ctx context.Context, accessToken, endpoint string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("withings request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("read withings response: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.Wrap(resilience.CategoryRateLimit,
			fmt.Errorf("withings rate limit exceeded (status %d)", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("withings upstream error (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("withings unexpected status %d", resp.StatusCode))
	}

	var envelope struct {
		Status int             `json:"status"`
		Error  string          `json:"error"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode withings envelope: %w", err))
	}
	switch envelope.Status {
	case withingsStatusOK:
		return envelope.Body, nil
	case withingsStatusAuth:
		return nil, errWithingsTokenExpired
	default:
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("withings api status %d: %s", envelope.Status, envelope.Error))
	}
}

func (c *WithingsClient) refreshToken(ctx context.Context, tok *credential.Token) (*credential.Token, error) {
	form := url.Values{
		"action":        {"requesttoken"},
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {tok.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+withingsTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("withings token refresh: %w", err))
	}
	defer resp.Body.Close()

	var envelope struct {
		Status int `json:"status"`
		Body   struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			UserID       any    `json:"userid"`
			ExpiresIn    int    `json:"expires_in"`
		} `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAuth, fmt.Errorf("decode refresh response: %w", err))
	}
	if envelope.Status != withingsStatusOK || envelope.Body.AccessToken == "" {
		return nil, resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("withings token refresh rejected (status %d)", envelope.Status))
	}

	tok.AccessToken = envelope.Body.AccessToken
	if envelope.Body.RefreshToken != "" {
		tok.RefreshToken = envelope.Body.RefreshToken
	}
	if envelope.Body.ExpiresIn > 0 {
		tok.ExpiresAt = c.now().Add(time.Duration(envelope.Body.ExpiresIn) * time.Second)
	}
	if err := c.creds.Save(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed withings token: %w", err)
	}
	c.logger.Info().Str("user_id", tok.UserID).Msg("withings token refreshed")
	return tok, nil
}
