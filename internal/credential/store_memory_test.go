package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openhealth/exchange/internal/registry"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	tok := &Token{
		UserID:         "user-1",
		Provider:       registry.Withings,
		ProviderUserID: "w-123",
		AccessToken:    "at",
		RefreshToken:   "rt",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := s.Save(ctx, tok); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, "user-1", registry.Withings)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "at" || got.ProviderUserID != "w-123" {
		t.Errorf("unexpected token: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Errorf("save should stamp UpdatedAt")
	}
}

func TestInMemoryStoreGetMissing(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Get(context.Background(), "nobody", registry.Fitbit); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStoreSaveOverwrites(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.Save(ctx, &Token{UserID: "u", Provider: registry.Fitbit, AccessToken: "old"})
	_ = s.Save(ctx, &Token{UserID: "u", Provider: registry.Fitbit, AccessToken: "new"})
	got, err := s.Get(ctx, "u", registry.Fitbit)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "new" {
		t.Errorf("expected rotated token, got %q", got.AccessToken)
	}
}

func TestInMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.Save(ctx, &Token{UserID: "u", Provider: registry.Fitbit, AccessToken: "at"})
	got, _ := s.Get(ctx, "u", registry.Fitbit)
	got.AccessToken = "mutated"
	again, _ := s.Get(ctx, "u", registry.Fitbit)
	if again.AccessToken != "at" {
		t.Errorf("store must not share internal state with callers")
	}
}

func TestInMemoryStoreDelete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.Save(ctx, &Token{UserID: "u", Provider: registry.Withings, AccessToken: "at"})
	if err := s.Delete(ctx, "u", registry.Withings); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "u", registry.Withings); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "u", registry.Withings); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete should return ErrNotFound, got %v", err)
	}
}
