// Package device synchronizes provider device inventories into the clinical
// data store as Device and DeviceAssociation resources.
package device

import (
	"strings"
	"time"

	"github.com/openhealth/exchange/internal/fhir"
	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/registry"
)

// Type is a normalized device type.
type Type string

const (
	TypeBPMonitor       Type = "bp_monitor"
	TypeScale           Type = "scale"
	TypeActivityTracker Type = "activity_tracker"
	TypeSmartwatch      Type = "smartwatch"
	TypeThermometer     Type = "thermometer"
	TypePulseOximeter   Type = "pulse_oximeter"
	TypeUnknown         Type = "unknown"
)

type snomedEntry struct {
	Code    string
	Display string
}

var snomedByType = map[Type]snomedEntry{
	TypeBPMonitor:       {"43770009", "Sphygmomanometer"},
	TypeScale:           {"19892000", "Scale"},
	TypeActivityTracker: {"466093008", "Activity tracker"},
	TypeSmartwatch:      {"706767009", "Smartwatch"},
	TypeThermometer:     {"86184003", "Thermometer"},
	TypePulseOximeter:   {"258185003", "Pulse oximeter"},
	TypeUnknown:         {"49062001", "Device"},
}

var withingsDeviceTypes = map[string]Type{
	"Blood Pressure Monitor": TypeBPMonitor,
	"Scale":                  TypeScale,
	"Activity Tracker":       TypeActivityTracker,
}

var fitbitDeviceTypes = map[string]Type{
	"SCALE":   TypeScale,
	"TRACKER": TypeActivityTracker,
}

// BatteryPercent converts a provider battery label to a rough percentage.
// Unknown or empty labels yield nil.
func BatteryPercent(text string) *int {
	levels := map[string]int{
		"high":     80,
		"medium":   50,
		"low":      20,
		"critical": 5,
		"empty":    5,
	}
	pct, ok := levels[strings.ToLower(text)]
	if !ok {
		return nil
	}
	return &pct
}

// Data is a normalized device inventory entry.
type Data struct {
	ProviderDeviceID string
	Provider         registry.Provider
	Type             Type
	Manufacturer     string
	Model            string
	BatteryLevel     *int
	LastSync         time.Time
	FirmwareVersion  string
	SerialNumber     string
	Status           string
}

// Normalize maps one raw provider device to the normalized form.
func Normalize(prov registry.Provider, raw provider.Device) Data {
	typeMap := withingsDeviceTypes
	if prov == registry.Fitbit {
		typeMap = fitbitDeviceTypes
	}
	dt, ok := typeMap[raw.Type]
	if !ok {
		dt = TypeUnknown
	}
	return Data{
		ProviderDeviceID: raw.ID,
		Provider:         prov,
		Type:             dt,
		Manufacturer:     raw.Manufacturer,
		Model:            raw.Model,
		BatteryLevel:     BatteryPercent(raw.Battery),
		LastSync:         raw.LastSession,
		FirmwareVersion:  raw.FirmwareVersion,
		SerialNumber:     raw.SerialNumber,
		Status:           "active",
	}
}

// IdentifierSystem is the system on Device identifiers minted by this
// service.
const IdentifierSystem = "https://open-health-exchange.com/device"

// AssociationIdentifierSystem is the system on DeviceAssociation identifiers.
const AssociationIdentifierSystem = "https://open-health-exchange.com/device-association"

// Identifier returns the idempotency identifier value for this device.
func (d Data) Identifier() string {
	return string(d.Provider) + "_" + d.ProviderDeviceID
}

// AssociationIdentifier returns the idempotency identifier value for this
// device's association with a user.
func (d Data) AssociationIdentifier(userID string) string {
	return string(d.Provider) + "_" + d.ProviderDeviceID + "_" + userID
}

// ToFHIR builds the FHIR Device resource.
func (d Data) ToFHIR() fhir.Resource {
	snomed := snomedByType[d.Type]
	res := fhir.Resource{
		"resourceType": "Device",
		"status":       d.Status,
		"identifier":   []fhir.Identifier{{System: IdentifierSystem, Value: d.Identifier()}},
		"manufacturer": d.Manufacturer,
		"deviceName": []map[string]string{{
			"name": d.Model,
			"type": "user-friendly-name",
		}},
		"type": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemSNOMED, Code: snomed.Code, Display: snomed.Display}},
		},
		"meta": map[string]any{
			"tag": []fhir.Coding{{System: fhir.SystemProviderTag, Code: string(d.Provider)}},
		},
	}
	if d.Model != "" {
		res["modelNumber"] = d.Model
	}
	if d.SerialNumber != "" {
		res["serialNumber"] = d.SerialNumber
	}
	if d.FirmwareVersion != "" {
		res["version"] = []map[string]string{{"value": d.FirmwareVersion}}
	}
	if d.BatteryLevel != nil {
		res["property"] = []fhir.Resource{{
			"type": fhir.CodeableConcept{
				Coding: []fhir.Coding{{Code: "battery-level", Display: "Battery level"}},
			},
			"valueQuantity": fhir.Quantity{
				Value: float64(*d.BatteryLevel), Unit: "%", System: fhir.SystemUCUM, Code: "%",
			},
		}}
	}
	return res
}

// AssociationToFHIR builds the DeviceAssociation linking this device to a
// patient.
func (d Data) AssociationToFHIR(patientRef, deviceRef, userID string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "DeviceAssociation",
		"identifier": []fhir.Identifier{{
			System: AssociationIdentifierSystem,
			Value:  d.AssociationIdentifier(userID),
		}},
		"status": fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: "active"}},
		},
		"category": []fhir.CodeableConcept{
			{Coding: []fhir.Coding{{Code: "home-use"}}},
			{Coding: []fhir.Coding{{Code: "attached"}}},
		},
		"device":  fhir.Reference{Reference: deviceRef},
		"subject": fhir.Reference{Reference: patientRef},
	}
}
