// Package registry holds the static capability tables describing which health
// data types each provider exposes and how to reach them. The tables are the
// single source of truth for data-type support, subscription category
// resolution, and measurement decoding hints.
package registry

import (
	"sort"
	"sync"
)

// Provider identifies a supported health data provider.
type Provider string

const (
	Withings Provider = "withings"
	Fitbit   Provider = "fitbit"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	return p == Withings || p == Fitbit
}

// DataType names a normalized health data stream.
type DataType string

const (
	HeartRate         DataType = "heart_rate"
	Steps             DataType = "steps"
	Weight            DataType = "weight"
	BloodPressure     DataType = "blood_pressure"
	ECG               DataType = "ecg"
	Temperature       DataType = "temperature"
	SpO2              DataType = "spo2"
	RRIntervals       DataType = "rr_intervals"
	Sleep             DataType = "sleep"
	PulseWaveVelocity DataType = "pulse_wave_velocity"
	FatMass           DataType = "fat_mass"
	Glucose           DataType = "glucose"
)

// Config describes how one data type is fetched from one provider.
type Config struct {
	Name                   DataType
	DisplayName            string
	SubscriptionCategories []string
	Endpoint               string
	Method                 string
	Action                 string
	MeasureTypes           []int
	Processor              string
	RequiresDateRange      bool
	Description            string
}

// ----------------------------------------------------------------------------
// Capability tables
// ----------------------------------------------------------------------------

var withingsConfigs = map[DataType]Config{
	HeartRate: {
		Name:                   HeartRate,
		DisplayName:            "Heart Rate",
		SubscriptionCategories: []string{"4"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{11},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Resting and spot heart rate measurements",
	},
	Steps: {
		Name:                   Steps,
		DisplayName:            "Steps",
		SubscriptionCategories: []string{"16"},
		Endpoint:               "/v2/measure",
		Method:                 "GET",
		Action:                 "getactivity",
		Processor:              "activities",
		RequiresDateRange:      true,
		Description:            "Daily step counts",
	},
	Weight: {
		Name:                   Weight,
		DisplayName:            "Weight",
		SubscriptionCategories: []string{"1"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{1},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Body weight from connected scales",
	},
	BloodPressure: {
		Name:                   BloodPressure,
		DisplayName:            "Blood Pressure",
		SubscriptionCategories: []string{"4"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{9, 10},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Systolic and diastolic blood pressure",
	},
	ECG: {
		Name:                   ECG,
		DisplayName:            "Electrocardiogram",
		SubscriptionCategories: []string{"54"},
		Endpoint:               "/v2/heart",
		Method:                 "GET",
		Action:                 "list",
		Processor:              "ecg",
		RequiresDateRange:      true,
		Description:            "ECG recordings with rhythm classification",
	},
	Temperature: {
		Name:                   Temperature,
		DisplayName:            "Body Temperature",
		SubscriptionCategories: []string{"2"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{12},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Body temperature readings",
	},
	SpO2: {
		Name:                   SpO2,
		DisplayName:            "Oxygen Saturation",
		SubscriptionCategories: []string{"4"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{54},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Blood oxygen saturation",
	},
	RRIntervals: {
		Name:                   RRIntervals,
		DisplayName:            "RR Intervals",
		SubscriptionCategories: []string{"44"},
		Endpoint:               "/v2/sleep",
		Method:                 "GET",
		Action:                 "get",
		Processor:              "sleep_series",
		RequiresDateRange:      true,
		Description:            "Beat-to-beat intervals from sleep recordings",
	},
	Sleep: {
		Name:                   Sleep,
		DisplayName:            "Sleep",
		SubscriptionCategories: []string{"44"},
		Endpoint:               "/v2/sleep",
		Method:                 "GET",
		Action:                 "getsummary",
		Processor:              "sleep_summary",
		RequiresDateRange:      true,
		Description:            "Sleep duration and stages",
	},
	PulseWaveVelocity: {
		Name:                   PulseWaveVelocity,
		DisplayName:            "Pulse Wave Velocity",
		SubscriptionCategories: []string{"4"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{91},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Arterial stiffness indicator",
	},
	FatMass: {
		Name:                   FatMass,
		DisplayName:            "Fat Mass",
		SubscriptionCategories: []string{"1"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{8},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Fat mass from body composition scales",
	},
	Glucose: {
		Name:                   Glucose,
		DisplayName:            "Blood Glucose",
		SubscriptionCategories: []string{"58"},
		Endpoint:               "/measure",
		Method:                 "GET",
		Action:                 "getmeas",
		MeasureTypes:           []int{41},
		Processor:              "measuregrps",
		RequiresDateRange:      true,
		Description:            "Blood glucose readings",
	},
}

var fitbitConfigs = map[DataType]Config{
	HeartRate: {
		Name:                   HeartRate,
		DisplayName:            "Heart Rate",
		SubscriptionCategories: []string{"activities"},
		Endpoint:               "/1/user/-/activities/heart/date/%s/1d.json",
		Method:                 "GET",
		Processor:              "heart_rate_intraday",
		RequiresDateRange:      true,
		Description:            "Daily heart rate summaries and zones",
	},
	Steps: {
		Name:                   Steps,
		DisplayName:            "Steps",
		SubscriptionCategories: []string{"activities"},
		Endpoint:               "/1/user/-/activities/steps/date/%s/%s.json",
		Method:                 "GET",
		Processor:              "time_series",
		RequiresDateRange:      true,
		Description:            "Daily step counts",
	},
	Weight: {
		Name:                   Weight,
		DisplayName:            "Weight",
		SubscriptionCategories: []string{"body"},
		Endpoint:               "/1/user/-/body/log/weight/date/%s.json",
		Method:                 "GET",
		Processor:              "weight_log",
		RequiresDateRange:      true,
		Description:            "Weight log entries",
	},
	Temperature: {
		Name:                   Temperature,
		DisplayName:            "Skin Temperature",
		SubscriptionCategories: []string{"body"},
		Endpoint:               "/1/user/-/temp/skin/date/%s.json",
		Method:                 "GET",
		Processor:              "temperature",
		RequiresDateRange:      true,
		Description:            "Nightly skin temperature variation",
	},
	SpO2: {
		Name:                   SpO2,
		DisplayName:            "Oxygen Saturation",
		SubscriptionCategories: []string{"activities"},
		Endpoint:               "/1/user/-/spo2/date/%s.json",
		Method:                 "GET",
		Processor:              "spo2",
		RequiresDateRange:      true,
		Description:            "Nightly SpO2 averages",
	},
	Sleep: {
		Name:                   Sleep,
		DisplayName:            "Sleep",
		SubscriptionCategories: []string{"sleep"},
		Endpoint:               "/1.2/user/-/sleep/date/%s.json",
		Method:                 "GET",
		Processor:              "sleep_log",
		RequiresDateRange:      true,
		Description:            "Sleep logs with stage breakdown",
	},
	FatMass: {
		Name:                   FatMass,
		DisplayName:            "Body Fat",
		SubscriptionCategories: []string{"body"},
		Endpoint:               "/1/user/-/body/log/fat/date/%s.json",
		Method:                 "GET",
		Processor:              "fat_log",
		RequiresDateRange:      true,
		Description:            "Body fat percentage log entries",
	},
	ECG: {
		Name:                   ECG,
		DisplayName:            "Electrocardiogram",
		SubscriptionCategories: []string{"activities"},
		Endpoint:               "/1/user/-/ecg/list.json",
		Method:                 "GET",
		Processor:              "ecg_list",
		RequiresDateRange:      false,
		Description:            "ECG readings with rhythm classification",
	},
	RRIntervals: {
		Name:                   RRIntervals,
		DisplayName:            "Heart Rate Variability",
		SubscriptionCategories: []string{"activities"},
		Endpoint:               "/1/user/-/hrv/date/%s.json",
		Method:                 "GET",
		Processor:              "hrv",
		RequiresDateRange:      true,
		Description:            "Daily HRV (RMSSD) summaries",
	},
}

var providerConfigs = map[Provider]map[DataType]Config{
	Withings: withingsConfigs,
	Fitbit:   fitbitConfigs,
}

// ----------------------------------------------------------------------------
// Lookups
// ----------------------------------------------------------------------------

// Lookup returns the capability config for one provider data type.
func Lookup(p Provider, dt DataType) (Config, bool) {
	cfgs, ok := providerConfigs[p]
	if !ok {
		return Config{}, false
	}
	cfg, ok := cfgs[dt]
	return cfg, ok
}

// SupportedTypes returns the data types a provider supports, sorted by name
// so callers iterate in a stable order.
func SupportedTypes(p Provider) []DataType {
	cfgs, ok := providerConfigs[p]
	if !ok {
		return nil
	}
	types := make([]DataType, 0, len(cfgs))
	for dt := range cfgs {
		types = append(types, dt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Supports reports whether a provider supports a data type.
func Supports(p Provider, dt DataType) bool {
	_, ok := Lookup(p, dt)
	return ok
}

// Validate partitions the requested types into supported and unsupported sets
// for the given provider. Order of the input is preserved.
func Validate(p Provider, types []DataType) (supported, unsupported []DataType) {
	for _, dt := range types {
		if Supports(p, dt) {
			supported = append(supported, dt)
		} else {
			unsupported = append(unsupported, dt)
		}
	}
	return supported, unsupported
}

// CategoriesFor resolves the subscription categories (Withings appli numbers,
// Fitbit collection names) needed to cover the given data types. The result
// is sorted and deduplicated.
func CategoriesFor(p Provider, types []DataType) []string {
	seen := map[string]struct{}{}
	for _, dt := range types {
		cfg, ok := Lookup(p, dt)
		if !ok {
			continue
		}
		for _, cat := range cfg.SubscriptionCategories {
			seen[cat] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

var (
	reverseOnce sync.Once
	reverseMap  map[Provider]map[string][]DataType
)

func buildReverse() {
	reverseMap = make(map[Provider]map[string][]DataType, len(providerConfigs))
	for p, cfgs := range providerConfigs {
		byCat := map[string][]DataType{}
		for _, dt := range SupportedTypes(p) {
			for _, cat := range cfgs[dt].SubscriptionCategories {
				byCat[cat] = append(byCat[cat], dt)
			}
		}
		reverseMap[p] = byCat
	}
}

// TypesForCategory returns the data types a subscription category covers,
// in sorted order. An unknown category yields an empty slice.
func TypesForCategory(p Provider, category string) []DataType {
	reverseOnce.Do(buildReverse)
	return reverseMap[p][category]
}
