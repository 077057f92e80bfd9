package device

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/fhir"
	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/registry"
)

// Sink is the slice of the FHIR client the device sync publishes through.
type Sink interface {
	UpsertResource(ctx context.Context, resourceType, system, value string, res fhir.Resource) (fhir.Resource, bool, error)
	FindActiveDeviceAssociations(ctx context.Context, patientRef string) ([]fhir.Resource, error)
	Update(ctx context.Context, resourceType, id string, res fhir.Resource) (fhir.Resource, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

// SyncResult summarizes one device inventory sync.
type SyncResult struct {
	UserID                  string
	Provider                registry.Provider
	ProcessedDevices        int
	ProcessedAssociations   int
	DeactivatedDevices      int
	DeactivatedAssociations int
	Errors                  []string
	Success                 bool
	SyncTimestamp           time.Time
}

// Service syncs provider device inventories.
type Service struct {
	clients map[registry.Provider]provider.Client
	sink    Sink
	logger  zerolog.Logger
	now     func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock replaces the clock, used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(clients map[registry.Provider]provider.Client, sink Sink, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		clients: clients,
		sink:    sink,
		logger:  logger.With().Str("component", "device_sync").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncUserDevices fetches the user's devices from one provider and mirrors
// them into the clinical store. Failures on one device never abort the
// others. Associations for devices that no longer appear are deactivated.
func (s *Service) SyncUserDevices(ctx context.Context, userID string, prov registry.Provider, patientRef string) *SyncResult {
	if patientRef == "" {
		patientRef = "Patient/" + userID
	}
	result := &SyncResult{
		UserID:        userID,
		Provider:      prov,
		SyncTimestamp: s.now().UTC(),
	}
	log := s.logger.With().Str("user_id", userID).Str("provider", string(prov)).Logger()

	client, ok := s.clients[prov]
	if !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("no client configured for provider %q", prov))
		return result
	}

	raw, err := client.FetchDevices(ctx, userID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch devices: %v", err))
		return result
	}
	log.Info().Int("count", len(raw)).Msg("fetched devices")

	if len(raw) == 0 {
		if err := s.deactivateMissing(ctx, log, patientRef, map[string]bool{}, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		result.Success = len(result.Errors) == 0
		return result
	}

	current := map[string]bool{}
	for _, r := range raw {
		d := Normalize(prov, r)
		current[d.AssociationIdentifier(userID)] = true

		if err := s.publishDevice(ctx, d, patientRef, userID); err != nil {
			msg := fmt.Sprintf("device %s: %v", d.ProviderDeviceID, err)
			log.Error().Err(err).Str("device_id", d.ProviderDeviceID).Msg("device sync failed")
			result.Errors = append(result.Errors, msg)
			continue
		}
		result.ProcessedDevices++
		result.ProcessedAssociations++
	}

	if err := s.deactivateMissing(ctx, log, patientRef, current, result); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Success = len(result.Errors) == 0
	log.Info().
		Bool("success", result.Success).
		Int("devices", result.ProcessedDevices).
		Int("associations", result.ProcessedAssociations).
		Int("deactivated", result.DeactivatedAssociations).
		Int("errors", len(result.Errors)).
		Msg("device sync finished")
	return result
}

func (s *Service) publishDevice(ctx context.Context, d Data, patientRef, userID string) error {
	deviceRes, _, err := s.sink.UpsertResource(ctx, "Device", IdentifierSystem, d.Identifier(), d.ToFHIR())
	if err != nil {
		return fmt.Errorf("publish device: %w", err)
	}
	deviceID, _ := deviceRes["id"].(string)
	if deviceID == "" {
		return fmt.Errorf("device resource returned without id")
	}

	assoc := d.AssociationToFHIR(patientRef, "Device/"+deviceID, userID)
	if _, _, err := s.sink.UpsertResource(ctx, "DeviceAssociation",
		AssociationIdentifierSystem, d.AssociationIdentifier(userID), assoc); err != nil {
		return fmt.Errorf("publish association: %w", err)
	}
	return nil
}

// deactivateMissing marks associations whose device no longer appears in the
// provider inventory as inactive.
func (s *Service) deactivateMissing(ctx context.Context, log zerolog.Logger, patientRef string, current map[string]bool, result *SyncResult) error {
	active, err := s.sink.FindActiveDeviceAssociations(ctx, patientRef)
	if err != nil {
		return fmt.Errorf("list active associations: %w", err)
	}
	for _, assoc := range active {
		value := identifierValue(assoc, AssociationIdentifierSystem)
		if value == "" || current[value] {
			continue
		}
		id, _ := assoc["id"].(string)
		if id == "" {
			continue
		}
		assoc["status"] = fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "inactive"}}}
		if _, err := s.sink.Update(ctx, "DeviceAssociation", id, assoc); err != nil {
			return fmt.Errorf("deactivate association %s: %w", id, err)
		}
		result.DeactivatedAssociations++
		log.Info().Str("association_id", id).Msg("deactivated stale device association")
	}
	return nil
}

// identifierValue digs the identifier value for one system out of a generic
// resource.
func identifierValue(res fhir.Resource, system string) string {
	idents, _ := res["identifier"].([]any)
	for _, raw := range idents {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if m["system"] == system {
			v, _ := m["value"].(string)
			return v
		}
	}
	// Builders produce typed identifiers before they round-trip through JSON.
	typed, _ := res["identifier"].([]fhir.Identifier)
	for _, id := range typed {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}

// Statistics reports device counts for one user.
func (s *Service) Statistics(ctx context.Context, userID string) (map[string]any, error) {
	patientRef := "Patient/" + userID

	devices, err := s.sink.Search(ctx, "Device", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	assocs, err := s.sink.Search(ctx, "DeviceAssociation", url.Values{"subject": {patientRef}})
	if err != nil {
		return nil, fmt.Errorf("count associations: %w", err)
	}
	return map[string]any{
		"user_id":                  userID,
		"total_devices_in_system":  devices.Total,
		"user_device_associations": assocs.Total,
		"last_check":               s.now().UTC().Format(time.RFC3339),
	}, nil
}
