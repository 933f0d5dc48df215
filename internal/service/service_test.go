package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/analytics"
	"billbook/internal/domain"
	"billbook/internal/expr"
	"billbook/internal/store"
	"billbook/internal/store/memory"
	"billbook/internal/store/sqlite"
)

var (
	owner    = domain.Identity{UserID: "user-owner", Email: "owner@example.com", Name: "Owner"}
	staffer  = domain.Identity{UserID: "user-staff", Email: "staff@example.com", Name: "Staff"}
	stranger = domain.Identity{UserID: "user-stranger", Email: "stranger@example.com", Name: "Stranger"}
)

// fixedNow is Wednesday 2024-01-17 11:30 IST.
var fixedNow = time.Date(2024, 1, 17, 6, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu    sync.Mutex
	shops []string
}

func (r *recordingInvalidator) InvalidateShop(_ context.Context, shopID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shops = append(r.shops, shopID)
	return nil
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shops)
}

type harness struct {
	svc         *Service
	repo        store.Repository
	invalidator *recordingInvalidator
	shopID      string
}

func as(identity domain.Identity) context.Context {
	return WithIdentity(context.Background(), identity)
}

func newHarness(t *testing.T, repo store.Repository) *harness {
	t.Helper()
	inv := &recordingInvalidator{}
	svc := New(repo, analytics.New(repo), WithInvalidator(inv), WithClock(func() time.Time { return fixedNow }))

	for _, identity := range []domain.Identity{owner, staffer, stranger} {
		if _, err := svc.SyncUser(as(identity)); err != nil {
			t.Fatalf("sync %s: %v", identity.UserID, err)
		}
	}
	shop, err := svc.CreateShop(as(owner), "Corner Store")
	if err != nil {
		t.Fatalf("create shop: %v", err)
	}
	if _, err := svc.AddStaff(as(owner), shop.ID, staffer.Email); err != nil {
		t.Fatalf("add staff: %v", err)
	}
	inv.shops = nil
	return &harness{svc: svc, repo: repo, invalidator: inv, shopID: shop.ID}
}

func newTestService(t *testing.T) *harness {
	return newHarness(t, memory.New())
}

var backends = map[string]func(t *testing.T) store.Repository{
	"memory": func(*testing.T) store.Repository { return memory.New() },
	"sqlite": func(t *testing.T) store.Repository {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "billbook.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func TestCreateBillPersistsOneBillWithAllEntries(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, open(t))

			resp, err := h.svc.CreateBill(as(owner), h.shopID, "70+69+56")
			if err != nil {
				t.Fatalf("create bill: %v", err)
			}
			if resp.EntryCount != 3 || !resp.Total.Equal(decimal.NewFromInt(195)) || resp.Role != domain.RoleOwner {
				t.Fatalf("unexpected response %+v", resp)
			}
			if resp.CreatedAt != "2024-01-17T06:00:00Z" {
				t.Fatalf("expected service clock timestamp, got %s", resp.CreatedAt)
			}

			bills, err := h.repo.ListBills(context.Background(), h.shopID, 10)
			if err != nil {
				t.Fatalf("list bills: %v", err)
			}
			if len(bills) != 1 || len(bills[0].Entries) != 3 || bills[0].StaffID != owner.UserID {
				t.Fatalf("expected exactly one bill with 3 entries, got %+v", bills)
			}
			if !bills[0].Total().Equal(decimal.NewFromInt(195)) {
				t.Fatalf("expected entries to sum to 195, got %s", bills[0].Total())
			}
			if h.invalidator.count() != 1 {
				t.Fatalf("expected one stale signal, got %d", h.invalidator.count())
			}
		})
	}
}

func TestCreateBillAtomicOnEntryFailure(t *testing.T) {
	repo := memory.New()
	h := newHarness(t, repo)
	repo.FailEntryWritesAfter(2)

	if _, err := h.svc.CreateBill(as(owner), h.shopID, "70+69+56"); err == nil {
		t.Fatalf("expected entry write failure to surface")
	}
	bills, entries := repo.Counts()
	if bills != 0 || entries != 0 {
		t.Fatalf("expected no rows from the failed attempt, got %d bills / %d entries", bills, entries)
	}
	if h.invalidator.count() != 0 {
		t.Fatalf("failed write must not emit a stale signal")
	}
}

func TestCreateBillByStaffRecordsStaffRole(t *testing.T) {
	h := newTestService(t)
	resp, err := h.svc.CreateBill(as(staffer), h.shopID, "12.50, 7.25")
	if err != nil {
		t.Fatalf("staff create bill: %v", err)
	}
	if resp.Role != domain.RoleStaff || !resp.Total.Equal(decimal.RequireFromString("19.75")) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateBillFailures(t *testing.T) {
	h := newTestService(t)

	tests := []struct {
		name   string
		ctx    context.Context
		shopID string
		input  string
		want   error
	}{
		{"stranger", as(stranger), h.shopID, "70", ErrNotAuthorized},
		{"unknown shop", as(owner), "shop_missing", "70", ErrNotFound},
		{"blank shop", as(owner), "  ", "70", ErrValidation},
		{"blank expression", as(owner), h.shopID, "   ", ErrValidation},
		{"only separators", as(owner), h.shopID, " , + ", ErrValidation},
		{"anonymous", context.Background(), h.shopID, "70", ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateBill(tt.ctx, tt.shopID, tt.input)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	_, err := h.svc.CreateBill(as(owner), h.shopID, "70+-5")
	var parseErr *expr.ParseError
	if !errors.As(err, &parseErr) || parseErr.Token != "-5" {
		t.Fatalf("expected ParseError for -5, got %v", err)
	}

	bills, _ := h.repo.ListBills(context.Background(), h.shopID, 10)
	if len(bills) != 0 {
		t.Fatalf("failed attempts must not create bills, got %d", len(bills))
	}
}

func TestUnknownShopIsNotFoundBeforeAuthorization(t *testing.T) {
	h := newTestService(t)
	_, err := h.svc.CreateBill(as(stranger), "shop_missing", "not-a-number")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddStaffRules(t *testing.T) {
	h := newTestService(t)

	if _, err := h.svc.AddStaff(as(owner), h.shopID, "OWNER@example.com"); !errors.Is(err, ErrSelfReference) {
		t.Fatalf("expected ErrSelfReference, got %v", err)
	}
	if _, err := h.svc.AddStaff(as(owner), h.shopID, staffer.Email); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := h.svc.AddStaff(as(owner), h.shopID, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := h.svc.AddStaff(as(staffer), h.shopID, stranger.Email); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected staff to be refused, got %v", err)
	}
	if _, err := h.svc.AddStaff(as(owner), "shop_missing", stranger.Email); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown shop, got %v", err)
	}
	if _, err := h.svc.AddStaff(as(owner), h.shopID, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	member, err := h.svc.AddStaff(as(owner), h.shopID, "Stranger@Example.com")
	if err != nil {
		t.Fatalf("add stranger: %v", err)
	}
	if member.UserID != stranger.UserID || h.invalidator.count() != 1 {
		t.Fatalf("unexpected member %+v or stale count %d", member, h.invalidator.count())
	}
}

func TestRemoveStaff(t *testing.T) {
	h := newTestService(t)

	if _, err := h.svc.RemoveStaff(as(owner), h.shopID, owner.UserID); !errors.Is(err, ErrSelfReference) {
		t.Fatalf("expected ErrSelfReference, got %v", err)
	}
	if _, err := h.svc.RemoveStaff(as(staffer), h.shopID, staffer.UserID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	removed, err := h.svc.RemoveStaff(as(owner), h.shopID, staffer.UserID)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d (%v)", removed, err)
	}
	removed, err = h.svc.RemoveStaff(as(owner), h.shopID, staffer.UserID)
	if err != nil || removed != 0 {
		t.Fatalf("expected 0 removed on repeat, got %d (%v)", removed, err)
	}
	if h.invalidator.count() != 1 {
		t.Fatalf("expected a single stale signal, got %d", h.invalidator.count())
	}

	// Authorization is re-evaluated per request: access is gone immediately.
	if _, err := h.svc.CreateBill(as(staffer), h.shopID, "10"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected removed staff to lose write access, got %v", err)
	}
}

func TestAnalyticsAreOwnerOnly(t *testing.T) {
	h := newTestService(t)
	for _, identity := range []domain.Identity{staffer, stranger} {
		if _, err := h.svc.Overview(as(identity), h.shopID); !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("%s overview: expected ErrNotAuthorized, got %v", identity.UserID, err)
		}
		if _, err := h.svc.DateTotal(as(identity), h.shopID, "2024-01-17", true); !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("%s date: expected ErrNotAuthorized, got %v", identity.UserID, err)
		}
		if _, err := h.svc.RangeTotal(as(identity), h.shopID, "2024-01-01", "2024-01-02"); !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("%s range: expected ErrNotAuthorized, got %v", identity.UserID, err)
		}
		if _, err := h.svc.ListStaff(as(identity), h.shopID); !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("%s staff list: expected ErrNotAuthorized, got %v", identity.UserID, err)
		}
	}
	if _, err := h.svc.Overview(as(owner), "shop_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOverviewAndTotals(t *testing.T) {
	h := newTestService(t)

	zero, err := h.svc.Overview(as(owner), h.shopID)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if !zero.Today.IsZero() || !zero.MonthToDate.IsZero() {
		t.Fatalf("empty shop must sum to zero, got %+v", zero)
	}

	if _, err := h.svc.CreateBill(as(staffer), h.shopID, "70+69+56"); err != nil {
		t.Fatalf("create bill: %v", err)
	}
	overview, err := h.svc.Overview(as(owner), h.shopID)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if !overview.Today.Equal(decimal.NewFromInt(195)) || !overview.WeekToDate.Equal(decimal.NewFromInt(195)) {
		t.Fatalf("unexpected overview %+v", overview)
	}

	date, err := h.svc.DateTotal(as(owner), h.shopID, "2024-01-17", true)
	if err != nil || !date.Selected || date.Count != 3 {
		t.Fatalf("unexpected date total %+v (%v)", date, err)
	}
	malformed, err := h.svc.DateTotal(as(owner), h.shopID, "17-01-2024", true)
	if err != nil || malformed.Selected {
		t.Fatalf("malformed date should be unselected without error, got %+v (%v)", malformed, err)
	}

	span, err := h.svc.RangeTotal(as(owner), h.shopID, "2024-01-17", "2024-01-17")
	if err != nil || !span.Total.Equal(decimal.NewFromInt(195)) {
		t.Fatalf("unexpected range %+v (%v)", span, err)
	}
}

func TestRangeValidationErrors(t *testing.T) {
	h := newTestService(t)

	_, err := h.svc.RangeTotal(as(owner), h.shopID, "2024-01-10", "2024-01-05")
	if !errors.Is(err, ErrValidation) || err.Error() != "From date must be on or before To date." {
		t.Fatalf("expected inverted range validation error, got %v", err)
	}
	_, err = h.svc.RangeTotal(as(owner), h.shopID, "", "2024-01-05")
	if !errors.Is(err, ErrValidation) || err.Error() != "Please provide both From and To dates in YYYY-MM-DD format." {
		t.Fatalf("expected missing bound validation error, got %v", err)
	}
}

func TestShopsAndSync(t *testing.T) {
	h := newTestService(t)

	if _, err := h.svc.CreateShop(as(domain.Identity{UserID: "never-synced", Email: "x@example.com"}), "Ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unsynced user to be refused, got %v", err)
	}
	if _, err := h.svc.CreateShop(as(owner), "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected blank name to be refused, got %v", err)
	}

	user, err := h.svc.CurrentUser(as(staffer))
	if err != nil || user.Role != domain.UserRoleStaff {
		t.Fatalf("unexpected current user %+v (%v)", user, err)
	}

	ownerShops, err := h.svc.ListShops(as(owner))
	if err != nil || len(ownerShops.Owned) != 1 || len(ownerShops.Staffed) != 0 {
		t.Fatalf("unexpected owner shops %+v (%v)", ownerShops, err)
	}
	staffShops, err := h.svc.ListShops(as(staffer))
	if err != nil || len(staffShops.Owned) != 0 || len(staffShops.Staffed) != 1 {
		t.Fatalf("unexpected staff shops %+v (%v)", staffShops, err)
	}

	ownerView, err := h.svc.ShopView(as(owner), h.shopID)
	if err != nil || ownerView.Role != domain.RoleOwner || len(ownerView.Staff) != 1 || ownerView.OwnerEmail != owner.Email {
		t.Fatalf("unexpected owner view %+v (%v)", ownerView, err)
	}
	staffView, err := h.svc.ShopView(as(staffer), h.shopID)
	if err != nil || staffView.Role != domain.RoleStaff || staffView.Staff != nil {
		t.Fatalf("unexpected staff view %+v (%v)", staffView, err)
	}
	if _, err := h.svc.ShopView(as(stranger), h.shopID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected stranger to be refused, got %v", err)
	}
}

func TestListRecentBills(t *testing.T) {
	h := newTestService(t)
	for _, input := range []string{"1", "2+3", "4,5,6"} {
		if _, err := h.svc.CreateBill(as(staffer), h.shopID, input); err != nil {
			t.Fatalf("create %q: %v", input, err)
		}
	}
	bills, err := h.svc.ListRecentBills(as(owner), h.shopID, 0)
	if err != nil || len(bills) != 3 {
		t.Fatalf("unexpected bills %+v (%v)", bills, err)
	}
	for _, bill := range bills {
		if bill.StaffID != staffer.UserID || len(bill.Amounts) == 0 {
			t.Fatalf("unexpected bill summary %+v", bill)
		}
	}
	if _, err := h.svc.ListRecentBills(as(staffer), h.shopID, 10); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected staff to be refused, got %v", err)
	}
}

func TestPreviewMatchesCreate(t *testing.T) {
	h := newTestService(t)
	for _, input := range []string{"70+69+56", "70,,69", "70+abc", "", "0.5+0.25"} {
		preview := h.svc.PreviewBill(input)
		_, err := h.svc.CreateBill(as(owner), h.shopID, input)
		if preview.Valid != (err == nil) {
			t.Fatalf("%q: preview valid=%t but create err=%v", input, preview.Valid, err)
		}
	}
}
