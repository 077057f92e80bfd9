package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/fhir"
	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/registry"
)

// Sink is the slice of the FHIR client the orchestrator publishes through.
type Sink interface {
	UpsertResource(ctx context.Context, resourceType, system, value string, res fhir.Resource) (fhir.Resource, bool, error)
}

// Request describes one sync run.
type Request struct {
	UserID    string
	Provider  registry.Provider
	DataTypes []registry.DataType
	Trigger   Trigger
	Window    *Range
}

// TypeOutcome summarizes one data type within a run.
type TypeOutcome struct {
	Fetched   int
	Published int
	Error     string
}

// Result is the outcome of one sync run. Success means no errors occurred
// and everything fetched was published.
type Result struct {
	UserID           string
	Provider         registry.Provider
	Trigger          Trigger
	PerType          map[registry.DataType]TypeOutcome
	RecordsFetched   int
	RecordsPublished int
	Errors           []string
	Success          bool
	StartedAt        time.Time
	ProcessingTime   time.Duration
}

// Orchestrator runs the fetch, transform, publish pipeline.
type Orchestrator struct {
	clients  map[registry.Provider]provider.Client
	sink     Sink
	lastSync LastSyncStore
	logger   zerolog.Logger
	now      func() time.Time
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock replaces the clock, used by tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(clients map[registry.Provider]provider.Client, sink Sink, lastSync LastSyncStore, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		clients:  clients,
		sink:     sink,
		lastSync: lastSync,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sync executes one sync run. Failures of one data type never abort the
// others; any unexpected failure is converted into a failed Result.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (result *Result) {
	started := o.now()
	result = &Result{
		UserID:    req.UserID,
		Provider:  req.Provider,
		Trigger:   req.Trigger,
		PerType:   map[registry.DataType]TypeOutcome{},
		StartedAt: started,
	}
	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sync panicked: %v", r))
			result.Success = false
		}
		result.ProcessingTime = o.now().Sub(started)
	}()

	log := o.logger.With().
		Str("user_id", req.UserID).
		Str("provider", string(req.Provider)).
		Str("trigger", string(req.Trigger)).
		Logger()

	client, ok := o.clients[req.Provider]
	if !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("no client configured for provider %q", req.Provider))
		return result
	}
	if req.UserID == "" {
		result.Errors = append(result.Errors, "user id is required")
		return result
	}

	types := req.DataTypes
	if len(types) == 0 {
		types = registry.SupportedTypes(req.Provider)
	}
	supported, unsupported := registry.Validate(req.Provider, types)
	for _, dt := range unsupported {
		log.Warn().Str("data_type", string(dt)).Msg("skipping unsupported data type")
	}

	last, err := o.lastSync.Get(ctx, req.UserID, req.Provider)
	if err != nil {
		log.Warn().Err(err).Msg("could not load last sync time, using fallback window")
		last = time.Time{}
	}
	params := ParamsFor(req.Trigger, started, last, req.Window)

	for _, dt := range supported {
		outcome := o.syncType(ctx, log, client, req, dt, params)
		result.PerType[dt] = outcome
		result.RecordsFetched += outcome.Fetched
		result.RecordsPublished += outcome.Published
		if outcome.Error != "" {
			result.Errors = append(result.Errors, outcome.Error)
		}
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		if err := o.lastSync.Set(ctx, req.UserID, req.Provider, started); err != nil {
			log.Warn().Err(err).Msg("could not record last sync time")
		}
	}

	log.Info().
		Bool("success", result.Success).
		Int("fetched", result.RecordsFetched).
		Int("published", result.RecordsPublished).
		Int("errors", len(result.Errors)).
		Dur("took", o.now().Sub(started)).
		Msg("sync finished")
	return result
}

func (o *Orchestrator) syncType(ctx context.Context, log zerolog.Logger, client provider.Client, req Request, dt registry.DataType, params Params) TypeOutcome {
	q := provider.Query{
		UserID:    req.UserID,
		Provider:  req.Provider,
		DataType:  dt,
		Start:     params.Start,
		End:       params.End,
		BatchSize: params.BatchSize,
	}

	records, err := client.FetchData(ctx, q)
	if err != nil {
		log.Error().Err(err).Str("data_type", string(dt)).Msg("fetch failed")
		return TypeOutcome{Error: fmt.Sprintf("fetch %s: %v", dt, err)}
	}
	if len(records) == 0 {
		return TypeOutcome{}
	}

	outcome := TypeOutcome{Fetched: len(records)}
	for _, rec := range records {
		obs := fhir.NewObservation(rec, req.UserID, req.Provider)
		system, value := fhir.SecondaryIdentifier(req.Provider, rec.DataType, rec.Timestamp, req.UserID)
		if _, _, err := o.sink.UpsertResource(ctx, "Observation", system, value, obs); err != nil {
			log.Error().Err(err).Str("data_type", string(dt)).Msg("publish failed")
			if outcome.Error == "" {
				outcome.Error = fmt.Sprintf("publish %s: %v", dt, err)
			}
			continue
		}
		outcome.Published++
	}
	if params.DetailedLogging {
		log.Info().Str("data_type", string(dt)).
			Int("fetched", outcome.Fetched).
			Int("published", outcome.Published).
			Msg("data type processed")
	}
	return outcome
}
