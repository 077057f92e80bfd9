// Package provider implements the Withings and Fitbit API clients. Clients
// normalize provider payloads into Records, refresh OAuth tokens through the
// credential store, and protect the upstream APIs with a sliding-window rate
// limiter and a retrying transport.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/openhealth/exchange/internal/registry"
)

// Measurement categories on normalized records.
const (
	CategoryDeviceMeasured = 1
	CategoryUserEntered    = 2
)

// Query describes one fetch of one data type for one user.
type Query struct {
	UserID    string
	Provider  registry.Provider
	DataType  registry.DataType
	Start     time.Time
	End       time.Time
	BatchSize int
}

// CacheKey returns a stable key identifying this query's result window.
func (q Query) CacheKey() string {
	return fmt.Sprintf("health_data:%s:%s:%s:%s-%s",
		q.Provider, q.DataType, q.UserID,
		q.Start.UTC().Format("20060102"), q.End.UTC().Format("20060102"))
}

// Record is one normalized health measurement.
type Record struct {
	DataType  registry.DataType
	Timestamp time.Time
	Value     float64
	Unit      string
	Category  int
	Meta      map[string]any
}

// Device is a raw device entry as reported by a provider, before it is
// normalized by the inventory sync.
type Device struct {
	ID              string
	Type            string
	Model           string
	Manufacturer    string
	Battery         string
	FirmwareVersion string
	SerialNumber    string
	LastSession     time.Time
}

// Client is the provider API surface used by the sync pipeline.
type Client interface {
	Provider() registry.Provider
	FetchData(ctx context.Context, q Query) ([]Record, error)
	FetchDevices(ctx context.Context, userID string) ([]Device, error)
}
