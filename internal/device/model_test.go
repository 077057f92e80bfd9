package device

import (
	"testing"
	"time"

	"github.com/openhealth/exchange/internal/fhir"
	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/registry"
)

// ===================== Battery and type mapping =====================

func TestBatteryPercent(t *testing.T) {
	cases := []struct {
		text string
		want *int
	}{
		{"high", intp(80)},
		{"Medium", intp(50)},
		{"low", intp(20)},
		{"critical", intp(5)},
		{"empty", intp(5)},
		{"", nil},
		{"charging", nil},
	}
	for _, tc := range cases {
		got := BatteryPercent(tc.text)
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("BatteryPercent(%q) = %d, want nil", tc.text, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Errorf("BatteryPercent(%q) = %v, want %d", tc.text, got, *tc.want)
		}
	}
}

func intp(v int) *int { return &v }

func TestNormalizeTypeMapping(t *testing.T) {
	cases := []struct {
		prov    registry.Provider
		rawType string
		want    Type
	}{
		{registry.Withings, "Blood Pressure Monitor", TypeBPMonitor},
		{registry.Withings, "Scale", TypeScale},
		{registry.Withings, "Activity Tracker", TypeActivityTracker},
		{registry.Fitbit, "SCALE", TypeScale},
		{registry.Fitbit, "TRACKER", TypeActivityTracker},
		{registry.Withings, "Sleep Analyzer", TypeUnknown},
		{registry.Fitbit, "", TypeUnknown},
	}
	for _, tc := range cases {
		d := Normalize(tc.prov, provider.Device{ID: "d1", Type: tc.rawType})
		if d.Type != tc.want {
			t.Errorf("Normalize(%s, %q).Type = %s, want %s", tc.prov, tc.rawType, d.Type, tc.want)
		}
	}
}

func TestNormalizeFields(t *testing.T) {
	last := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)
	d := Normalize(registry.Withings, provider.Device{
		ID:              "dev-1",
		Type:            "Scale",
		Model:           "Body+",
		Battery:         "high",
		FirmwareVersion: "1781",
		SerialNumber:    "sn-9",
		LastSession:     last,
	})
	if d.ProviderDeviceID != "dev-1" || d.Provider != registry.Withings {
		t.Errorf("identity = %s/%s", d.ProviderDeviceID, d.Provider)
	}
	if d.BatteryLevel == nil || *d.BatteryLevel != 80 {
		t.Errorf("battery = %v, want 80", d.BatteryLevel)
	}
	if d.Status != "active" || !d.LastSync.Equal(last) {
		t.Errorf("status/lastSync = %s/%v", d.Status, d.LastSync)
	}
}

// ===================== Identifiers =====================

func TestIdentifiers(t *testing.T) {
	d := Data{ProviderDeviceID: "abc", Provider: registry.Fitbit}
	if got := d.Identifier(); got != "fitbit_abc" {
		t.Errorf("Identifier() = %q", got)
	}
	if got := d.AssociationIdentifier("42"); got != "fitbit_abc_42" {
		t.Errorf("AssociationIdentifier() = %q", got)
	}
}

// ===================== FHIR building =====================

func TestToFHIRDeviceType(t *testing.T) {
	d := Normalize(registry.Withings, provider.Device{ID: "d1", Type: "Blood Pressure Monitor", Battery: "low"})
	res := d.ToFHIR()

	if res["resourceType"] != "Device" || res["status"] != "active" {
		t.Errorf("resourceType/status = %v/%v", res["resourceType"], res["status"])
	}
	cc, ok := res["type"].(fhir.CodeableConcept)
	if !ok || len(cc.Coding) != 1 {
		t.Fatalf("type = %#v", res["type"])
	}
	if cc.Coding[0].System != fhir.SystemSNOMED || cc.Coding[0].Code != "43770009" {
		t.Errorf("coding = %+v, want SNOMED 43770009", cc.Coding[0])
	}

	props, ok := res["property"].([]fhir.Resource)
	if !ok || len(props) != 1 {
		t.Fatalf("property = %#v", res["property"])
	}
	q, ok := props[0]["valueQuantity"].(fhir.Quantity)
	if !ok || q.Value != 20 || q.Unit != "%" {
		t.Errorf("battery quantity = %#v", props[0]["valueQuantity"])
	}
}

func TestToFHIRUnknownType(t *testing.T) {
	d := Normalize(registry.Fitbit, provider.Device{ID: "d1", Type: "MYSTERY"})
	res := d.ToFHIR()
	cc := res["type"].(fhir.CodeableConcept)
	if cc.Coding[0].Code != "49062001" {
		t.Errorf("unknown device code = %s, want 49062001", cc.Coding[0].Code)
	}
	if _, ok := res["property"]; ok {
		t.Error("no battery label must mean no property block")
	}
}

func TestAssociationToFHIR(t *testing.T) {
	d := Data{ProviderDeviceID: "d1", Provider: registry.Withings}
	res := d.AssociationToFHIR("Patient/42", "Device/9", "42")

	if res["resourceType"] != "DeviceAssociation" {
		t.Errorf("resourceType = %v", res["resourceType"])
	}
	ids := res["identifier"].([]fhir.Identifier)
	if ids[0].System != AssociationIdentifierSystem || ids[0].Value != "withings_d1_42" {
		t.Errorf("identifier = %+v", ids[0])
	}
	cats := res["category"].([]fhir.CodeableConcept)
	if len(cats) != 2 || cats[0].Coding[0].Code != "home-use" || cats[1].Coding[0].Code != "attached" {
		t.Errorf("category = %+v", cats)
	}
	if res["device"].(fhir.Reference).Reference != "Device/9" ||
		res["subject"].(fhir.Reference).Reference != "Patient/42" {
		t.Errorf("references = %v / %v", res["device"], res["subject"])
	}
}
