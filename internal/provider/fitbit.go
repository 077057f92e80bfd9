package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	fitbitBaseURL    = "https://api.fitbit.com"
	fitbitRateLimit  = 150
	fitbitRateWindow = time.Hour
	fitbitTokenPath  = "/oauth2/token"
	fitbitDevicePath = "/1/user/-/devices.json"
	fitbitDateLayout = "2006-01-02"
)

var errFitbitTokenExpired = errors.New("fitbit access token expired")

// FitbitClient talks to the Fitbit Web API. Most Fitbit endpoints are scoped
// to a single day, so ranged queries iterate day by day.
type FitbitClient struct {
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

func NewFitbitClient(creds credential.Store, clientID, clientSecret string, logger zerolog.Logger, opts ...Option) *FitbitClient {
	o := buildOptions(fitbitBaseURL, fitbitRateLimit, fitbitRateWindow, opts)
	return &FitbitClient{
		creds:        creds,
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      strings.TrimRight(o.baseURL, "/"),
		http:         o.httpClient,
		limiter:      newSlidingLimiter(o.rateLimit, o.rateWindow),
		breaker:      o.breaker,
		logger:       logger.With().Str("component", "fitbit_client").Logger(),
		now:          o.now,
	}
}

func (c *FitbitClient) Provider() registry.Provider { return registry.Fitbit }

// FetchData fetches and normalizes one data type for one user.
func (c *FitbitClient) FetchData(ctx context.Context, q Query) ([]Record, error) {
	cfg, ok := registry.Lookup(registry.Fitbit, q.DataType)
	if !ok {
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("fitbit does not support data type %q", q.DataType))
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

// FetchDevices lists the user's paired Fitbit devices.
func (c *FitbitClient) FetchDevices(ctx context.Context, userID string) ([]Device, error) {
	var devices []Device
	err := c.protect(ctx, func(ctx context.Context) error {
		body, aerr := c.authorized(ctx, userID, fitbitDevicePath)
		if aerr != nil {
			return aerr
		}
		var parsed []struct {
			ID            string `json:"id"`
			DeviceVersion string `json:"deviceVersion"`
			Type          string `json:"type"`
			Battery       string `json:"battery"`
			LastSyncTime  string `json:"lastSyncTime"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode device list: %w", err))
		}
		devices = devices[:0]
		for _, d := range parsed {
			dev := Device{
				ID:           d.ID,
				Type:         d.Type,
				Model:        d.DeviceVersion,
				Manufacturer: "Fitbit",
				Battery:      d.Battery,
			}
			if d.LastSyncTime != "" {
				if ts, perr := time.Parse("2006-01-02T15:04:05.000", d.LastSyncTime); perr == nil {
					dev.LastSession = ts.UTC()
				}
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

func (c *FitbitClient) protect(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Call(ctx, fn)
}

// ----------------------------------------------------------------------------
// Fetch dispatch
// ----------------------------------------------------------------------------

func (c *FitbitClient) fetch(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	switch cfg.Processor {
	case "time_series":
		return c.fetchSteps(ctx, q, cfg)
	case "heart_rate_intraday":
		return c.perDay(ctx, q, cfg, c.decodeHeartRate)
	case "weight_log":
		return c.perDay(ctx, q, cfg, c.decodeWeight)
	case "fat_log":
		return c.perDay(ctx, q, cfg, c.decodeFat)
	case "sleep_log":
		return c.perDay(ctx, q, cfg, c.decodeSleep)
	case "hrv":
		return c.perDay(ctx, q, cfg, c.decodeHRV)
	case "spo2":
		return c.perDay(ctx, q, cfg, c.decodeSpO2)
	case "temperature":
		return c.perDay(ctx, q, cfg, c.decodeTemperature)
	case "ecg_list":
		return c.fetchECG(ctx, q, cfg)
	default:
		return nil, resilience.Wrap(resilience.CategoryValidation,
			fmt.Errorf("unknown fitbit processor %q", cfg.Processor))
	}
}

// perDay walks the query window one day at a time, decoding each day's
// payload with decode.
func (c *FitbitClient) perDay(ctx context.Context, q Query, cfg registry.Config,
	decode func(day time.Time, body []byte) ([]Record, error)) ([]Record, error) {

	var records []Record
	for day := q.Start.UTC().Truncate(24 * time.Hour); !day.After(q.End.UTC()); day = day.AddDate(0, 0, 1) {
		path := fmt.Sprintf(cfg.Endpoint, day.Format(fitbitDateLayout))
		body, err := c.authorized(ctx, q.UserID, path)
		if err != nil {
			return nil, err
		}
		recs, err := decode(day, body)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (c *FitbitClient) fetchSteps(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	path := fmt.Sprintf(cfg.Endpoint,
		q.Start.UTC().Format(fitbitDateLayout), q.End.UTC().Format(fitbitDateLayout))
	body, err := c.authorized(ctx, q.UserID, path)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Steps []struct {
			DateTime string `json:"dateTime"`
			Value    string `json:"value"`
		} `json:"activities-steps"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode steps series: %w", err))
	}

	var records []Record
	for _, s := range parsed.Steps {
		day, perr := time.ParseInLocation(fitbitDateLayout, s.DateTime, time.UTC)
		if perr != nil {
			continue
		}
		var steps float64
		if _, serr := fmt.Sscanf(s.Value, "%f", &steps); serr != nil {
			continue
		}
		records = append(records, Record{
			DataType:  registry.Steps,
			Timestamp: day,
			Value:     steps,
			Unit:      UnitFor(registry.Steps),
			Category:  CategoryDeviceMeasured,
			Meta:      map[string]any{"granularity": "daily"},
		})
	}
	return records, nil
}

func (c *FitbitClient) decodeHeartRate(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		Heart []struct {
			Value struct {
				RestingHeartRate float64 `json:"restingHeartRate"`
			} `json:"value"`
		} `json:"activities-heart"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode heart rate: %w", err))
	}
	var records []Record
	for _, h := range parsed.Heart {
		if h.Value.RestingHeartRate <= 0 {
			continue
		}
		records = append(records, Record{
			DataType:  registry.HeartRate,
			Timestamp: day,
			Value:     h.Value.RestingHeartRate,
			Unit:      UnitFor(registry.HeartRate),
			Category:  CategoryDeviceMeasured,
			Meta:      map[string]any{"measurement": "resting"},
		})
	}
	return records, nil
}

func (c *FitbitClient) decodeWeight(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		Weight []struct {
			Weight float64 `json:"weight"`
			Date   string  `json:"date"`
			Time   string  `json:"time"`
			Source string  `json:"source"`
		} `json:"weight"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode weight log: %w", err))
	}
	var records []Record
	for _, w := range parsed.Weight {
		category := CategoryDeviceMeasured
		if strings.EqualFold(w.Source, "Manual") {
			category = CategoryUserEntered
		}
		records = append(records, Record{
			DataType:  registry.Weight,
			Timestamp: logTimestamp(day, w.Date, w.Time),
			Value:     w.Weight,
			Unit:      UnitFor(registry.Weight),
			Category:  category,
		})
	}
	return records, nil
}

func (c *FitbitClient) decodeFat(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		Fat []struct {
			Fat    float64 `json:"fat"`
			Date   string  `json:"date"`
			Time   string  `json:"time"`
			Source string  `json:"source"`
		} `json:"fat"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode fat log: %w", err))
	}
	var records []Record
	for _, f := range parsed.Fat {
		category := CategoryDeviceMeasured
		if strings.EqualFold(f.Source, "Manual") {
			category = CategoryUserEntered
		}
		records = append(records, Record{
			DataType:  registry.FatMass,
			Timestamp: logTimestamp(day, f.Date, f.Time),
			Value:     f.Fat,
			Unit:      "%",
			Category:  category,
		})
	}
	return records, nil
}

func (c *FitbitClient) decodeSleep(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		Sleep []struct {
			StartTime string `json:"startTime"`
			Duration  int64  `json:"duration"`
			Levels    struct {
				Summary map[string]struct {
					Minutes int `json:"minutes"`
				} `json:"summary"`
			} `json:"levels"`
		} `json:"sleep"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode sleep log: %w", err))
	}
	var records []Record
	for _, s := range parsed.Sleep {
		ts := day
		if parsedStart, perr := time.Parse("2006-01-02T15:04:05.000", s.StartTime); perr == nil {
			ts = parsedStart.UTC()
		}
		stages := map[string]any{}
		for level, sum := range s.Levels.Summary {
			stages[level+"_min"] = sum.Minutes
		}
		records = append(records, Record{
			DataType:  registry.Sleep,
			Timestamp: ts,
			Value:     float64(s.Duration) / 1000 / 3600,
			Unit:      UnitFor(registry.Sleep),
			Category:  CategoryDeviceMeasured,
			Meta:      stages,
		})
	}
	return records, nil
}

func (c *FitbitClient) decodeHRV(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		HRV []struct {
			Value struct {
				DailyRmssd float64 `json:"dailyRmssd"`
			} `json:"value"`
			DateTime string `json:"dateTime"`
		} `json:"hrv"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode hrv: %w", err))
	}
	var records []Record
	for _, h := range parsed.HRV {
		if h.Value.DailyRmssd <= 0 {
			continue
		}
		records = append(records, Record{
			DataType:  registry.RRIntervals,
			Timestamp: day,
			Value:     h.Value.DailyRmssd,
			Unit:      UnitFor(registry.RRIntervals),
			Category:  CategoryDeviceMeasured,
			Meta:      map[string]any{"measurement": "daily_rmssd"},
		})
	}
	return records, nil
}

func (c *FitbitClient) decodeSpO2(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		Value struct {
			Avg float64 `json:"avg"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode spo2: %w", err))
	}
	if parsed.Value.Avg <= 0 {
		return nil, nil
	}
	return []Record{{
		DataType:  registry.SpO2,
		Timestamp: day,
		Value:     parsed.Value.Avg,
		Unit:      UnitFor(registry.SpO2),
		Category:  CategoryDeviceMeasured,
		Meta:      map[string]any{"measurement": "nightly_avg"},
	}}, nil
}

func (c *FitbitClient) decodeTemperature(day time.Time, body []byte) ([]Record, error) {
	var parsed struct {
		TempSkin []struct {
			Value struct {
				NightlyRelative float64 `json:"nightlyRelative"`
			} `json:"value"`
		} `json:"tempSkin"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode temperature: %w", err))
	}
	var records []Record
	for _, t := range parsed.TempSkin {
		records = append(records, Record{
			DataType:  registry.Temperature,
			Timestamp: day,
			Value:     t.Value.NightlyRelative,
			Unit:      UnitFor(registry.Temperature),
			Category:  CategoryDeviceMeasured,
			Meta:      map[string]any{"measurement": "nightly_relative"},
		})
	}
	return records, nil
}

func (c *FitbitClient) fetchECG(ctx context.Context, q Query, cfg registry.Config) ([]Record, error) {
	params := url.Values{
		"beforeDate": {q.End.UTC().Format(fitbitDateLayout)},
		"sort":       {"desc"},
		"limit":      {"10"},
		"offset":     {"0"},
	}
	body, err := c.authorized(ctx, q.UserID, cfg.Endpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Readings []struct {
			StartTime            string  `json:"startTime"`
			ResultClassification string  `json:"resultClassification"`
			AverageHeartRate     float64 `json:"averageHeartRate"`
		} `json:"ecgReadings"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAPI, fmt.Errorf("decode ecg list: %w", err))
	}

	var records []Record
	for _, r := range parsed.Readings {
		ts, perr := time.Parse("2006-01-02T15:04:05.000", r.StartTime)
		if perr != nil {
			continue
		}
		ts = ts.UTC()
		if ts.Before(q.Start) {
			continue
		}
		records = append(records, Record{
			DataType:  registry.ECG,
			Timestamp: ts,
			Value:     r.AverageHeartRate,
			Unit:      UnitFor(registry.ECG),
			Category:  CategoryDeviceMeasured,
			Meta:      map[string]any{"classification": r.ResultClassification},
		})
	}
	return records, nil
}

func logTimestamp(day time.Time, date, clock string) time.Time {
	if date != "" && clock != "" {
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, time.UTC); err == nil {
			return ts
		}
	}
	return day
}

// ----------------------------------------------------------------------------
// Auth and transport
// ----------------------------------------------------------------------------

// authorized performs one API call with the user's token, refreshing it
// exactly once on a 401.
func (c *FitbitClient) authorized(ctx context.Context, userID, path string) (json.RawMessage, error) {
	tok, err := c.creds.Get(ctx, userID, registry.Fitbit)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("load fitbit credentials for user %s: %w", userID, err))
	}

	body, err := c.apiCall(ctx, tok.AccessToken, path)
	if !errors.Is(err, errFitbitTokenExpired) {
		return body, err
	}

	c.logger.Info().Str("user_id", userID).Msg("access token expired, refreshing")
	tok, err = c.refreshToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	return c.apiCall(ctx, tok.AccessToken, path)
}

func (c *FitbitClient) apiCall(ctx context.Context, accessToken, path string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("fitbit request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("read fitbit response: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errFitbitTokenExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.Wrap(resilience.CategoryRateLimit,
			fmt.Errorf("fitbit rate limit exceeded (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("fitbit upstream error (status %d)", resp.StatusCode))
	default:
		return nil, resilience.Wrap(resilience.CategoryAPI,
			fmt.Errorf("fitbit unexpected status %d: %s", resp.StatusCode, truncate(raw, 200)))
	}
}

func (c *FitbitClient) refreshToken(ctx context.Context, tok *credential.Token) (*credential.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+fitbitTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.CategoryNetwork, fmt.Errorf("fitbit token refresh: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.Wrap(resilience.CategoryAuth,
			fmt.Errorf("fitbit token refresh rejected (status %d)", resp.StatusCode))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		UserID       string `json:"user_id"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resilience.Wrap(resilience.CategoryAuth, fmt.Errorf("decode refresh response: %w", err))
	}
	if parsed.AccessToken == "" {
		return nil, resilience.Wrap(resilience.CategoryAuth, errors.New("fitbit token refresh returned no access token"))
	}

	tok.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		tok.RefreshToken = parsed.RefreshToken
	}
	if parsed.UserID != "" {
		tok.ProviderUserID = parsed.UserID
	}
	if parsed.ExpiresIn > 0 {
		tok.ExpiresAt = c.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	if err := c.creds.Save(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed fitbit token: %w", err)
	}
	c.logger.Info().Str("user_id", tok.UserID).Msg("fitbit token refreshed")
	return tok, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
