package users

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/auricle-ai/auricle/pkg/types"
)

func TestRedisGeoCache_RoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisGeoCache(client)
	ctx := context.Background()

	got, err := cache.CachedGeolocation(ctx, "u1")
	if err != nil {
		t.Fatalf("CachedGeolocation: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown user, got %+v", got)
	}

	want := types.Geolocation{Latitude: 48.137, Longitude: 11.575}
	if err := cache.SetGeolocation(ctx, "u1", want); err != nil {
		t.Fatalf("SetGeolocation: %v", err)
	}

	got, err = cache.CachedGeolocation(ctx, "u1")
	if err != nil {
		t.Fatalf("CachedGeolocation: %v", err)
	}
	if got == nil || got.Latitude != want.Latitude || got.Longitude != want.Longitude {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
