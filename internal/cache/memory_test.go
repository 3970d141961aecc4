package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryClient_SetGetRoundTrip(t *testing.T) {
	c := NewMemory("test")
	ctx := context.Background()

	if err := c.Set(ctx, "k1", "v1", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestMemoryClient_GetMissing_ReturnsErrNotFound(t *testing.T) {
	c := NewMemory("test")
	_, err := c.Get(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryClient_Set_ZeroTTL_NeverExpires(t *testing.T) {
	c := NewMemory("test")
	ctx := context.Background()
	if err := c.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ok, err := c.Exists(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected entry to exist with no expiry, ok=%v err=%v", ok, err)
	}
}

func TestMemoryClient_Expiry(t *testing.T) {
	c := NewMemory("test")
	ctx := context.Background()
	if err := c.Set(ctx, "k1", "v1", time.Nanosecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := c.Get(ctx, "k1"); !IsNotFound(err) {
		t.Fatalf("expected expired entry to read as not found, got %v", err)
	}
	ok, err := c.Exists(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("expected expired entry to not exist, ok=%v err=%v", ok, err)
	}
}

func TestMemoryClient_Delete(t *testing.T) {
	c := NewMemory("test")
	ctx := context.Background()
	_ = c.Set(ctx, "k1", "v1", time.Minute)
	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "k1"); !IsNotFound(err) {
		t.Fatalf("expected deleted entry to read as not found, got %v", err)
	}
}

func TestMemoryClient_Stats_CountsOnlyLiveKeys(t *testing.T) {
	c := NewMemory("test")
	ctx := context.Background()
	_ = c.Set(ctx, "k1", "v1", time.Minute)
	_ = c.Set(ctx, "k2", "v2", time.Nanosecond)
	time.Sleep(time.Millisecond)

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Keys != 1 {
		t.Fatalf("got %d live keys, want 1", stats.Keys)
	}
}

func TestMemoryClient_SeparateInstancesDoNotShareKeys(t *testing.T) {
	a := NewMemory("a")
	b := NewMemory("b")
	ctx := context.Background()
	_ = a.Set(ctx, "k1", "from-a", time.Minute)
	if _, err := b.Get(ctx, "k1"); !IsNotFound(err) {
		t.Fatalf("expected separate memoryClient instances to not share state")
	}
}
