package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/domain"
	"billbook/internal/store"
)

func seedShop(t *testing.T, s *Store) domain.Shop {
	t.Helper()
	ctx := context.Background()
	if _, err := s.UpsertUser(ctx, domain.User{ID: "owner-1", Email: "Owner@Example.com", Name: "Owner"}); err != nil {
		t.Fatalf("upsert owner: %v", err)
	}
	shop, err := s.CreateShop(ctx, domain.Shop{ID: "shop-1", Name: "Corner Store", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("create shop: %v", err)
	}
	return *shop
}

func entries(values ...int64) []domain.BillEntry {
	out := make([]domain.BillEntry, 0, len(values))
	for _, v := range values {
		out = append(out, domain.BillEntry{Amount: decimal.NewFromInt(v)})
	}
	return out
}

func TestCreateBillPersistsAllEntries(t *testing.T) {
	s := New()
	shop := seedShop(t, s)
	ctx := context.Background()
	at := time.Date(2024, 1, 15, 4, 30, 0, 0, time.UTC)

	saved, err := s.CreateBill(ctx, domain.Bill{ID: "bill-1", ShopID: shop.ID, StaffID: "owner-1", CreatedAt: at, Entries: entries(70, 69, 56)})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if len(saved.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(saved.Entries))
	}
	for i, entry := range saved.Entries {
		if entry.BillID != "bill-1" || entry.Position != i || !entry.CreatedAt.Equal(at) || entry.ID == "" {
			t.Fatalf("unexpected entry %+v", entry)
		}
	}

	bills, entryCount := s.Counts()
	if bills != 1 || entryCount != 3 {
		t.Fatalf("expected 1 bill / 3 entries, got %d / %d", bills, entryCount)
	}

	total, err := s.SumEntries(ctx, shop.ID, at.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(195)) {
		t.Fatalf("expected 195, got %s", total)
	}
}

func TestCreateBillIsAtomic(t *testing.T) {
	s := New()
	shop := seedShop(t, s)
	ctx := context.Background()
	at := time.Now().UTC()

	// Invalid trailing entry: nothing from the attempt may be visible.
	_, err := s.CreateBill(ctx, domain.Bill{ID: "bill-bad", ShopID: shop.ID, StaffID: "owner-1", CreatedAt: at, Entries: entries(70, 69, -5)})
	if !errors.Is(err, store.ErrInvalidBill) {
		t.Fatalf("expected ErrInvalidBill, got %v", err)
	}

	// Injected failure on the third entry write.
	s.FailEntryWritesAfter(2)
	if _, err := s.CreateBill(ctx, domain.Bill{ID: "bill-fault", ShopID: shop.ID, StaffID: "owner-1", CreatedAt: at, Entries: entries(1, 2, 3)}); err == nil {
		t.Fatalf("expected injected failure")
	}

	bills, entryCount := s.Counts()
	if bills != 0 || entryCount != 0 {
		t.Fatalf("expected no rows after failed writes, got %d bills / %d entries", bills, entryCount)
	}
	total, _ := s.SumEntries(ctx, shop.ID, time.Time{}, time.Time{})
	if !total.IsZero() {
		t.Fatalf("expected zero total, got %s", total)
	}
}

func TestCreateBillRejectsEmptyBill(t *testing.T) {
	s := New()
	shop := seedShop(t, s)
	_, err := s.CreateBill(context.Background(), domain.Bill{ID: "bill-empty", ShopID: shop.ID, StaffID: "owner-1", CreatedAt: time.Now()})
	if !errors.Is(err, store.ErrInvalidBill) {
		t.Fatalf("expected ErrInvalidBill, got %v", err)
	}
}

func TestWindowedQueriesAreHalfOpen(t *testing.T) {
	s := New()
	shop := seedShop(t, s)
	ctx := context.Background()
	start := time.Date(2024, 1, 14, 18, 30, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	for i, at := range []time.Time{start.Add(-time.Second), start, end.Add(-time.Nanosecond), end} {
		bill := domain.Bill{ID: "bill-" + string(rune('a'+i)), ShopID: shop.ID, StaffID: "owner-1", CreatedAt: at, Entries: entries(int64(10 * (i + 1)))}
		if _, err := s.CreateBill(ctx, bill); err != nil {
			t.Fatalf("create bill %d: %v", i, err)
		}
	}

	total, err := s.SumEntries(ctx, shop.ID, start, end)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 20+30=50, got %s", total)
	}

	amounts, err := s.ListEntryAmounts(ctx, shop.ID, start, end)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(amounts) != 2 || !amounts[0].Equal(decimal.NewFromInt(20)) || !amounts[1].Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected amounts %v", amounts)
	}

	empty, _ := s.SumEntries(ctx, "other-shop", start, end)
	if !empty.IsZero() {
		t.Fatalf("expected zero for unknown shop, got %s", empty)
	}
}

func TestMembershipRules(t *testing.T) {
	s := New()
	shop := seedShop(t, s)
	ctx := context.Background()
	if _, err := s.UpsertUser(ctx, domain.User{ID: "staff-1", Email: "staff@example.com"}); err != nil {
		t.Fatalf("upsert staff: %v", err)
	}

	if _, err := s.CreateMembership(ctx, domain.StaffMembership{ShopID: shop.ID, UserID: "owner-1"}); !errors.Is(err, store.ErrOwnerAsStaff) {
		t.Fatalf("expected ErrOwnerAsStaff, got %v", err)
	}
	if _, err := s.CreateMembership(ctx, domain.StaffMembership{ShopID: shop.ID, UserID: "staff-1"}); err != nil {
		t.Fatalf("create membership: %v", err)
	}
	if _, err := s.CreateMembership(ctx, domain.StaffMembership{ShopID: shop.ID, UserID: "staff-1"}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	staffed, _ := s.ListStaffedShops(ctx, "staff-1")
	if len(staffed) != 1 || staffed[0].ID != shop.ID {
		t.Fatalf("unexpected staffed shops %+v", staffed)
	}

	removed, err := s.DeleteMembership(ctx, shop.ID, "staff-1")
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d (%v)", removed, err)
	}
	removed, _ = s.DeleteMembership(ctx, shop.ID, "staff-1")
	if removed != 0 {
		t.Fatalf("expected 0 removed on second delete, got %d", removed)
	}
}

func TestUpsertUserNormalizesEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u1", Email: "  Mixed@Example.COM "}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	user, err := s.GetUserByEmail(ctx, "mixed@example.com")
	if err != nil || user.ID != "u1" || user.Role != domain.UserRoleStaff {
		t.Fatalf("unexpected lookup %+v (%v)", user, err)
	}
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u2", Email: "mixed@example.com"}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected duplicate email to be rejected, got %v", err)
	}
}
