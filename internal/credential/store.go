// Package credential stores provider OAuth tokens on behalf of the sync
// pipeline. The pipeline never initiates an authorization flow itself; tokens
// arrive through the store and are rotated in place when a client refreshes
// them.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/openhealth/exchange/internal/registry"
)

// ErrNotFound is returned when no token exists for a user and provider.
var ErrNotFound = errors.New("credential not found")

// Token holds one user's OAuth credentials for one provider.
type Token struct {
	UserID         string
	Provider       registry.Provider
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

// Store is the credential persistence interface.
type Store interface {
	Get(ctx context.Context, userID string, provider registry.Provider) (*Token, error)
	Save(ctx context.Context, t *Token) error
	Delete(ctx context.Context, userID string, provider registry.Provider) error
}
