package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidBill   = errors.New("invalid bill")
	ErrOwnerAsStaff  = errors.New("shop owner cannot be a staff member")
)

// EntryReader is the read side used for windowed aggregates. A zero `to`
// leaves the window unbounded above.
type EntryReader interface {
	SumEntries(ctx context.Context, shopID string, from time.Time, to time.Time) (decimal.Decimal, error)
	ListEntryAmounts(ctx context.Context, shopID string, from time.Time, to time.Time) ([]decimal.Decimal, error)
}

type Repository interface {
	EntryReader

	UpsertUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	CreateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error)
	GetShop(ctx context.Context, id string) (*domain.Shop, error)
	ListOwnedShops(ctx context.Context, ownerID string) ([]domain.Shop, error)
	ListStaffedShops(ctx context.Context, userID string) ([]domain.Shop, error)

	FindMembership(ctx context.Context, shopID string, userID string) (*domain.StaffMembership, error)
	CreateMembership(ctx context.Context, membership domain.StaffMembership) (*domain.StaffMembership, error)
	DeleteMembership(ctx context.Context, shopID string, userID string) (int64, error)
	ListStaff(ctx context.Context, shopID string) ([]domain.StaffMember, error)

	// CreateBill stores the bill and every entry atomically: either all rows
	// become visible or none do.
	CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
	ListBills(ctx context.Context, shopID string, limit int) ([]domain.Bill, error)

	Close() error
}

// ValidateBill checks the shape every backend enforces before writing.
func ValidateBill(bill domain.Bill) error {
	if bill.ID == "" || bill.ShopID == "" || bill.StaffID == "" || bill.CreatedAt.IsZero() {
		return ErrInvalidBill
	}
	if len(bill.Entries) == 0 {
		return ErrInvalidBill
	}
	return nil
}
