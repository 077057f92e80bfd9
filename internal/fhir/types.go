// Package fhir implements the client for the downstream clinical data store
// and the builders that shape normalized health records into FHIR resources.
package fhir

// Resource is a FHIR resource in its generic JSON form.
type Resource = map[string]any

// Coding is a FHIR Coding element.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept element.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Quantity is a FHIR Quantity element.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Identifier is a FHIR Identifier element.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

// Reference is a FHIR Reference element.
type Reference struct {
	Reference string `json:"reference"`
}

// Well-known terminology systems.
const (
	SystemLOINC               = "http://loinc.org"
	SystemSNOMED              = "http://snomed.info/sct"
	SystemUCUM                = "http://unitsofmeasure.org"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemProviderTag         = "https://open-health-exchange.com/provider"
	SystemRecordCategoryTag   = "https://open-health-exchange.com/category"
)
