package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjellauth/oidcbroker/internal/testutil"
	"github.com/fjellauth/oidcbroker/storage"
	"github.com/fjellauth/oidcbroker/storage/memory"
)

func TestClientRegistry_GetClient(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.SaveClient(ctx, testutil.TestClient()); err != nil {
		t.Fatal(err)
	}

	registry := NewClientRegistry(store, 0)

	client, err := registry.GetClient(ctx, "test-client")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if client.ClientID != "test-client" {
		t.Errorf("ClientID = %q", client.ClientID)
	}

	if _, err := registry.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := registry.GetClient(ctx, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient(empty) error = %v, want ErrNotFound", err)
	}
}

func TestClientRegistry_CacheAndInvalidate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.SaveClient(ctx, testutil.TestClient()); err != nil {
		t.Fatal(err)
	}

	registry := NewClientRegistry(store, time.Minute)
	if _, err := registry.GetClient(ctx, "test-client"); err != nil {
		t.Fatal(err)
	}

	// A store-side change is invisible while cached.
	updated := testutil.TestClient()
	updated.Name = "Renamed"
	if err := store.SaveClient(ctx, updated); err != nil {
		t.Fatal(err)
	}
	cached, err := registry.GetClient(ctx, "test-client")
	if err != nil {
		t.Fatal(err)
	}
	if cached.Name == "Renamed" {
		t.Error("cache served the fresh row within the TTL")
	}

	registry.Invalidate("test-client")
	fresh, err := registry.GetClient(ctx, "test-client")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Name != "Renamed" {
		t.Errorf("Name = %q after invalidation, want Renamed", fresh.Name)
	}
}

func TestClientRegistry_ValidateSecret(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.SaveClient(ctx, testutil.TestClient()); err != nil {
		t.Fatal(err)
	}

	registry := NewClientRegistry(store, 0)
	if err := registry.ValidateSecret(ctx, "test-client", testutil.TestClientSecret); err != nil {
		t.Errorf("ValidateSecret(correct) error = %v", err)
	}
	if err := registry.ValidateSecret(ctx, "test-client", "wrong"); err == nil {
		t.Error("ValidateSecret(wrong) error = nil")
	}
	if err := registry.ValidateSecret(ctx, "missing", "x"); err == nil {
		t.Error("ValidateSecret(missing client) error = nil")
	}
}

func TestClientSecretExpired(t *testing.T) {
	client := testutil.TestClient()
	now := time.Now()

	if client.SecretExpired(now) {
		t.Error("no expiry set, want not expired")
	}

	past := now.Add(-time.Hour)
	client.SecretExpiresAt = &past
	if !client.SecretExpired(now) {
		t.Error("expiry in the past, want expired")
	}

	future := now.Add(time.Hour)
	client.SecretExpiresAt = &future
	if client.SecretExpired(now) {
		t.Error("expiry in the future, want not expired")
	}
}
