package fhir

import (
	"testing"
	"time"

	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/registry"
)

func heartRateRecord() provider.Record {
	return provider.Record{
		DataType:  registry.HeartRate,
		Timestamp: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		Value:     72,
		Unit:      "/min",
		Category:  provider.CategoryDeviceMeasured,
	}
}

func TestSecondaryIdentifierFormat(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	system, value := SecondaryIdentifier(registry.Withings, registry.HeartRate, ts, "42")
	if system != "https://api.withings.com/health-data" {
		t.Errorf("system = %q", system)
	}
	if value != "heart_rate_1700000000_42" {
		t.Errorf("value = %q", value)
	}
}

func TestNewObservationBasics(t *testing.T) {
	obs := NewObservation(heartRateRecord(), "42", registry.Withings)

	if obs["resourceType"] != "Observation" || obs["status"] != "final" {
		t.Errorf("resourceType/status wrong: %v %v", obs["resourceType"], obs["status"])
	}
	code := obs["code"].(CodeableConcept)
	if code.Coding[0].Code != "8867-4" || code.Coding[0].System != SystemLOINC {
		t.Errorf("code = %+v", code)
	}
	if obs["subject"].(Reference).Reference != "Patient/42" {
		t.Errorf("subject = %v", obs["subject"])
	}
	if obs["effectiveDateTime"] != "2026-03-01T10:30:00Z" {
		t.Errorf("effectiveDateTime = %v", obs["effectiveDateTime"])
	}
	vq := obs["valueQuantity"].(Quantity)
	if vq.Value != 72 || vq.Code != "/min" || vq.System != SystemUCUM {
		t.Errorf("valueQuantity = %+v", vq)
	}
	cats := obs["category"].([]CodeableConcept)
	if cats[0].Coding[0].Code != "vital-signs" {
		t.Errorf("category = %+v", cats)
	}
}

func TestNewObservationProviderTag(t *testing.T) {
	obs := NewObservation(heartRateRecord(), "42", registry.Fitbit)
	meta := obs["meta"].(map[string]any)
	tags := meta["tag"].([]Coding)
	if tags[0].System != SystemProviderTag || tags[0].Code != "fitbit" {
		t.Errorf("provider tag = %+v", tags[0])
	}
	if tags[1].System != SystemRecordCategoryTag || tags[1].Code != "device-measured" {
		t.Errorf("category tag = %+v", tags[1])
	}
}

func TestNewObservationUserEnteredTag(t *testing.T) {
	rec := heartRateRecord()
	rec.Category = provider.CategoryUserEntered
	obs := NewObservation(rec, "42", registry.Withings)
	tags := obs["meta"].(map[string]any)["tag"].([]Coding)
	if tags[1].Code != "user-entered" {
		t.Errorf("category tag = %+v", tags[1])
	}
}

func TestNewObservationBloodPressureComponents(t *testing.T) {
	rec := provider.Record{
		DataType:  registry.BloodPressure,
		Timestamp: time.Unix(1700000000, 0),
		Value:     120,
		Unit:      "mm[Hg]",
		Category:  provider.CategoryDeviceMeasured,
		Meta:      map[string]any{"systolic": 120.0, "diastolic": 80.0},
	}
	obs := NewObservation(rec, "42", registry.Withings)

	if _, has := obs["valueQuantity"]; has {
		t.Error("blood pressure must use components, not a single value")
	}
	comps := obs["component"].([]Resource)
	if len(comps) != 2 {
		t.Fatalf("got %d components, want 2", len(comps))
	}
	sys := comps[0]["code"].(CodeableConcept).Coding[0]
	dia := comps[1]["code"].(CodeableConcept).Coding[0]
	if sys.Code != "8480-6" || dia.Code != "8462-4" {
		t.Errorf("component codes = %s, %s", sys.Code, dia.Code)
	}
	if comps[0]["valueQuantity"].(Quantity).Value != 120 {
		t.Errorf("systolic = %+v", comps[0]["valueQuantity"])
	}
	if comps[1]["valueQuantity"].(Quantity).Value != 80 {
		t.Errorf("diastolic = %+v", comps[1]["valueQuantity"])
	}
}

func TestNewObservationECGClassification(t *testing.T) {
	rec := provider.Record{
		DataType:  registry.ECG,
		Timestamp: time.Unix(1700000000, 0),
		Value:     88,
		Unit:      "/min",
		Category:  provider.CategoryDeviceMeasured,
		Meta:      map[string]any{"classification": "Normal sinus rhythm"},
	}
	obs := NewObservation(rec, "42", registry.Withings)
	if obs["valueString"] != "Normal sinus rhythm" {
		t.Errorf("valueString = %v", obs["valueString"])
	}
	cats := obs["category"].([]CodeableConcept)
	if cats[0].Coding[0].Code != "procedure" {
		t.Errorf("ecg category = %+v", cats)
	}
}

func TestNewObservationIdentifierIsStable(t *testing.T) {
	rec := heartRateRecord()
	a := NewObservation(rec, "42", registry.Withings)
	b := NewObservation(rec, "42", registry.Withings)
	idA := a["identifier"].([]Identifier)[0]
	idB := b["identifier"].([]Identifier)[0]
	if idA != idB {
		t.Errorf("identifiers differ: %+v vs %+v", idA, idB)
	}
}
