package provider

import (
	"testing"
	"time"

	"github.com/openhealth/exchange/internal/registry"
)

func TestQueryCacheKey(t *testing.T) {
	q := Query{
		UserID:   "42",
		Provider: registry.Withings,
		DataType: registry.HeartRate,
		Start:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 5, 18, 30, 0, 0, time.UTC),
	}
	want := "health_data:withings:heart_rate:42:20260301-20260305"
	if got := q.CacheKey(); got != want {
		t.Errorf("CacheKey() = %q, want %q", got, want)
	}
}

func TestScaledValue(t *testing.T) {
	cases := []struct {
		value, unit int
		want        float64
	}{
		{186, -1, 18.6},
		{72, 0, 72},
		{65500, -3, 65.5},
		{3, 2, 300},
	}
	for _, tc := range cases {
		got := scaledValue(tc.value, tc.unit)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("scaledValue(%d, %d) = %v, want %v", tc.value, tc.unit, got, tc.want)
		}
	}
}

func TestUnitFor(t *testing.T) {
	if got := UnitFor(registry.Weight); got != "kg" {
		t.Errorf("weight unit = %q, want kg", got)
	}
	if got := UnitFor(registry.DataType("nope")); got != "" {
		t.Errorf("unknown type unit = %q, want empty", got)
	}
}
