package fhir

import (
	"fmt"
	"time"

	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/registry"
)

type loincEntry struct {
	Code    string
	Display string
}

var loincByType = map[registry.DataType]loincEntry{
	registry.HeartRate:         {"8867-4", "Heart rate"},
	registry.Steps:             {"55423-8", "Number of steps in unspecified time Pedometer"},
	registry.RRIntervals:       {"8637-1", "R-R interval by EKG"},
	registry.ECG:               {"8601-7", "EKG impression"},
	registry.BloodPressure:     {"85354-9", "Blood pressure panel with all children optional"},
	registry.Weight:            {"29463-7", "Body weight"},
	registry.Temperature:       {"8310-5", "Body temperature"},
	registry.SpO2:              {"59408-5", "Oxygen saturation in Arterial blood by Pulse oximetry"},
	registry.Sleep:             {"93832-4", "Sleep duration"},
	registry.PulseWaveVelocity: {"8494-7", "Pulse wave velocity"},
	registry.FatMass:           {"73708-0", "Body fat [Mass] Calculated"},
	registry.Glucose:           {"2339-0", "Glucose [Mass/volume] in Blood"},
}

const (
	loincSystolic  = "8480-6"
	loincDiastolic = "8462-4"
)

var observationCategoryByType = map[registry.DataType]string{
	registry.HeartRate:         "vital-signs",
	registry.BloodPressure:     "vital-signs",
	registry.Weight:            "vital-signs",
	registry.Temperature:       "vital-signs",
	registry.SpO2:              "vital-signs",
	registry.RRIntervals:       "vital-signs",
	registry.PulseWaveVelocity: "vital-signs",
	registry.FatMass:           "vital-signs",
	registry.Glucose:           "vital-signs",
	registry.Steps:             "activity",
	registry.Sleep:             "activity",
	registry.ECG:               "procedure",
}

// SecondaryIdentifier returns the identifier (system, value) that makes
// record publication idempotent. Publishing the same record twice resolves to
// the same identifier and therefore updates rather than duplicates.
func SecondaryIdentifier(prov registry.Provider, dt registry.DataType, ts time.Time, userID string) (string, string) {
	system := fmt.Sprintf("https://api.%s.com/health-data", prov)
	value := fmt.Sprintf("%s_%d_%s", dt, ts.Unix(), userID)
	return system, value
}

// NewObservation builds a FHIR Observation from one normalized record.
func NewObservation(rec provider.Record, userID string, prov registry.Provider) Resource {
	loinc, ok := loincByType[rec.DataType]
	if !ok {
		loinc = loincEntry{Code: "unknown", Display: string(rec.DataType)}
	}
	category := observationCategoryByType[rec.DataType]
	if category == "" {
		category = "vital-signs"
	}

	idSystem, idValue := SecondaryIdentifier(prov, rec.DataType, rec.Timestamp, userID)
	recordCategory := "device-measured"
	if rec.Category == provider.CategoryUserEntered {
		recordCategory = "user-entered"
	}

	obs := Resource{
		"resourceType": "Observation",
		"status":       "final",
		"category": []CodeableConcept{{
			Coding: []Coding{{System: SystemObservationCategory, Code: category, Display: category}},
		}},
		"code": CodeableConcept{
			Coding: []Coding{{System: SystemLOINC, Code: loinc.Code, Display: loinc.Display}},
			Text:   loinc.Display,
		},
		"subject":           Reference{Reference: "Patient/" + userID},
		"effectiveDateTime": rec.Timestamp.UTC().Format(time.RFC3339),
		"identifier":        []Identifier{{System: idSystem, Value: idValue}},
		"meta": map[string]any{
			"tag": []Coding{
				{System: SystemProviderTag, Code: string(prov)},
				{System: SystemRecordCategoryTag, Code: recordCategory},
			},
		},
	}

	switch rec.DataType {
	case registry.BloodPressure:
		obs["component"] = bloodPressureComponents(rec)
	case registry.ECG:
		if label, ok := rec.Meta["classification"].(string); ok && label != "" {
			obs["valueString"] = label
			if rec.Value > 0 {
				obs["component"] = []Resource{{
					"code": CodeableConcept{
						Coding: []Coding{{System: SystemLOINC, Code: "8867-4", Display: "Heart rate"}},
					},
					"valueQuantity": Quantity{Value: rec.Value, Unit: rec.Unit, System: SystemUCUM, Code: rec.Unit},
				}}
			}
			break
		}
		obs["valueQuantity"] = Quantity{Value: rec.Value, Unit: rec.Unit, System: SystemUCUM, Code: rec.Unit}
	default:
		obs["valueQuantity"] = Quantity{Value: rec.Value, Unit: rec.Unit, System: SystemUCUM, Code: rec.Unit}
	}
	return obs
}

func bloodPressureComponents(rec provider.Record) []Resource {
	systolic, _ := rec.Meta["systolic"].(float64)
	diastolic, _ := rec.Meta["diastolic"].(float64)
	if systolic == 0 {
		systolic = rec.Value
	}
	unit := rec.Unit
	return []Resource{
		{
			"code": CodeableConcept{
				Coding: []Coding{{System: SystemLOINC, Code: loincSystolic, Display: "Systolic blood pressure"}},
			},
			"valueQuantity": Quantity{Value: systolic, Unit: unit, System: SystemUCUM, Code: unit},
		},
		{
			"code": CodeableConcept{
				Coding: []Coding{{System: SystemLOINC, Code: loincDiastolic, Display: "Diastolic blood pressure"}},
			},
			"valueQuantity": Quantity{Value: diastolic, Unit: unit, System: SystemUCUM, Code: unit},
		},
	}
}
