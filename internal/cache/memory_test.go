package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/domain"
)

func TestMemoryOverviewVersioning(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	want := domain.Overview{Today: decimal.RequireFromString("195"), LocalDate: "2024-01-15"}

	miss, err := c.GetOverview(ctx, "shop-1", "2024-01-15")
	if err != nil || miss.Overview != nil {
		t.Fatalf("expected miss, got %+v (%v)", miss, err)
	}
	if err := c.SetOverview(ctx, "shop-1", "2024-01-15", miss.Version, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	hit, _ := c.GetOverview(ctx, "shop-1", "2024-01-15")
	if hit.Overview == nil || !hit.Overview.Today.Equal(want.Today) {
		t.Fatalf("expected hit, got %+v", hit)
	}
	if other, _ := c.GetOverview(ctx, "shop-2", "2024-01-15"); other.Overview != nil {
		t.Fatalf("expected shops to be isolated")
	}

	if err := c.InvalidateShop(ctx, "shop-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if after, _ := c.GetOverview(ctx, "shop-1", "2024-01-15"); after.Overview != nil || after.Version != miss.Version+1 {
		t.Fatalf("expected miss with new version, got %+v", after)
	}
	if err := c.SetOverview(ctx, "shop-1", "2024-01-15", miss.Version, want); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if after, _ := c.GetOverview(ctx, "shop-1", "2024-01-15"); after.Overview != nil {
		t.Fatalf("expected stale write to be dropped")
	}
}

func TestMemoryOverviewExpires(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)
	c := NewMemory(time.Minute)
	c.now = func() time.Time { return base }

	if err := c.SetOverview(ctx, "shop-1", "2024-01-15", 0, domain.Overview{LocalDate: "2024-01-15"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.now = func() time.Time { return base.Add(59 * time.Second) }
	if hit, _ := c.GetOverview(ctx, "shop-1", "2024-01-15"); hit.Overview == nil {
		t.Fatalf("expected entry before ttl")
	}
	c.now = func() time.Time { return base.Add(time.Minute) }
	if hit, _ := c.GetOverview(ctx, "shop-1", "2024-01-15"); hit.Overview != nil {
		t.Fatalf("expected entry to expire at ttl")
	}
}
