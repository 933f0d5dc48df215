package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/domain"
	"billbook/internal/store"
	"billbook/internal/window"
	"billbook/internal/xid"
)

var _ store.Repository = (*Store)(nil)

var errInjected = errors.New("memory: injected entry write failure")

type Store struct {
	mu               sync.RWMutex
	usersByID        map[string]domain.User
	userIDByEmail    map[string]string
	shopsByID        map[string]domain.Shop
	memberships      map[membershipKey]domain.StaffMembership
	billsByShop      map[string][]*domain.Bill
	billCount        int
	entryCount       int
	failAfterEntries int
}

type membershipKey struct {
	shopID string
	userID string
}

func New() *Store {
	return &Store{
		usersByID:     make(map[string]domain.User),
		userIDByEmail: make(map[string]string),
		shopsByID:     make(map[string]domain.Shop),
		memberships:   make(map[membershipKey]domain.StaffMembership),
		billsByShop:   make(map[string][]*domain.Bill),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) UpsertUser(_ context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		return nil, store.ErrNotFound
	}
	email := strings.ToLower(strings.TrimSpace(user.Email))

	s.mu.Lock()
	defer s.mu.Unlock()

	if email != "" {
		if owner, ok := s.userIDByEmail[email]; ok && owner != user.ID {
			return nil, store.ErrAlreadyExists
		}
	}

	now := time.Now().UTC()
	existing, ok := s.usersByID[user.ID]
	if ok {
		if existing.Email != "" {
			delete(s.userIDByEmail, existing.Email)
		}
		existing.Email = email
		existing.Name = user.Name
		existing.UpdatedAt = now
		user = existing
	} else {
		user.Email = email
		if user.Role == "" {
			user.Role = domain.UserRoleStaff
		}
		user.CreatedAt = now
		user.UpdatedAt = now
	}
	s.usersByID[user.ID] = user
	if email != "" {
		s.userIDByEmail[email] = user.ID
	}

	saved := user
	return &saved, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userIDByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	user := s.usersByID[id]
	return &user, nil
}

func (s *Store) CreateShop(_ context.Context, shop domain.Shop) (*domain.Shop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByID[shop.OwnerID]; !ok {
		return nil, store.ErrNotFound
	}
	if shop.ID == "" {
		shop.ID = xid.New("shop")
	}
	if _, exists := s.shopsByID[shop.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now().UTC()
	}
	s.shopsByID[shop.ID] = shop

	created := shop
	return &created, nil
}

func (s *Store) GetShop(_ context.Context, id string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shop, ok := s.shopsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shop, nil
}

func (s *Store) ListOwnedShops(_ context.Context, ownerID string) ([]domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shops := make([]domain.Shop, 0, 4)
	for _, shop := range s.shopsByID {
		if shop.OwnerID == ownerID {
			shops = append(shops, shop)
		}
	}
	sortShops(shops)
	return shops, nil
}

func (s *Store) ListStaffedShops(_ context.Context, userID string) ([]domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shops := make([]domain.Shop, 0, 4)
	for key := range s.memberships {
		if key.userID != userID {
			continue
		}
		if shop, ok := s.shopsByID[key.shopID]; ok {
			shops = append(shops, shop)
		}
	}
	sortShops(shops)
	return shops, nil
}

func (s *Store) FindMembership(_ context.Context, shopID string, userID string) (*domain.StaffMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	membership, ok := s.memberships[membershipKey{shopID: shopID, userID: userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &membership, nil
}

func (s *Store) CreateMembership(_ context.Context, membership domain.StaffMembership) (*domain.StaffMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shop, ok := s.shopsByID[membership.ShopID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.usersByID[membership.UserID]; !ok {
		return nil, store.ErrNotFound
	}
	if shop.OwnerID == membership.UserID {
		return nil, store.ErrOwnerAsStaff
	}
	key := membershipKey{shopID: membership.ShopID, userID: membership.UserID}
	if _, exists := s.memberships[key]; exists {
		return nil, store.ErrAlreadyExists
	}
	if membership.ID == "" {
		membership.ID = xid.New("staff")
	}
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now().UTC()
	}
	s.memberships[key] = membership

	created := membership
	return &created, nil
}

func (s *Store) DeleteMembership(_ context.Context, shopID string, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey{shopID: shopID, userID: userID}
	if _, ok := s.memberships[key]; !ok {
		return 0, nil
	}
	delete(s.memberships, key)
	return 1, nil
}

func (s *Store) ListStaff(_ context.Context, shopID string) ([]domain.StaffMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staff := make([]domain.StaffMember, 0, 4)
	for key, membership := range s.memberships {
		if key.shopID != shopID {
			continue
		}
		user := s.usersByID[key.userID]
		staff = append(staff, domain.StaffMember{
			UserID:  user.ID,
			Email:   user.Email,
			Name:    user.Name,
			AddedAt: membership.CreatedAt,
		})
	}
	sort.Slice(staff, func(i, j int) bool {
		if staff[i].AddedAt.Equal(staff[j].AddedAt) {
			return staff[i].UserID < staff[j].UserID
		}
		return staff[i].AddedAt.Before(staff[j].AddedAt)
	})
	return staff, nil
}

// CreateBill validates every entry before touching state, so a rejected bill
// leaves nothing behind.
func (s *Store) CreateBill(_ context.Context, bill domain.Bill) (*domain.Bill, error) {
	if err := store.ValidateBill(bill); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shopsByID[bill.ShopID]; !ok {
		return nil, store.ErrNotFound
	}

	saved := bill
	saved.CreatedAt = bill.CreatedAt.UTC()
	saved.Entries = make([]domain.BillEntry, len(bill.Entries))
	for i, entry := range bill.Entries {
		if !entry.Amount.IsPositive() {
			return nil, store.ErrInvalidBill
		}
		if s.failAfterEntries > 0 && i >= s.failAfterEntries {
			return nil, errInjected
		}
		if entry.ID == "" {
			entry.ID = xid.New("entry")
		}
		entry.BillID = saved.ID
		entry.Position = i
		entry.CreatedAt = saved.CreatedAt
		saved.Entries[i] = entry
	}

	s.billsByShop[saved.ShopID] = append(s.billsByShop[saved.ShopID], &saved)
	s.billCount++
	s.entryCount += len(saved.Entries)

	out := cloneBill(saved)
	return &out, nil
}

func (s *Store) ListBills(_ context.Context, shopID string, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bills := s.billsByShop[shopID]
	ordered := make([]domain.Bill, 0, len(bills))
	for _, bill := range bills {
		ordered = append(ordered, cloneBill(*bill))
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func (s *Store) SumEntries(_ context.Context, shopID string, from time.Time, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	span := window.Window{Start: from, End: to}
	total := decimal.Zero
	for _, bill := range s.billsByShop[shopID] {
		if !span.Contains(bill.CreatedAt) {
			continue
		}
		for _, entry := range bill.Entries {
			total = total.Add(entry.Amount)
		}
	}
	return total, nil
}

func (s *Store) ListEntryAmounts(_ context.Context, shopID string, from time.Time, to time.Time) ([]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	span := window.Window{Start: from, End: to}
	matched := make([]*domain.Bill, 0, 16)
	for _, bill := range s.billsByShop[shopID] {
		if span.Contains(bill.CreatedAt) {
			matched = append(matched, bill)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	amounts := make([]decimal.Decimal, 0, len(matched)*2)
	for _, bill := range matched {
		for _, entry := range bill.Entries {
			amounts = append(amounts, entry.Amount)
		}
	}
	return amounts, nil
}

// FailEntryWritesAfter makes CreateBill fail once n entries of a bill have
// been staged. Zero disables the fault.
func (s *Store) FailEntryWritesAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfterEntries = n
}

// Counts reports how many bills and entries are stored.
func (s *Store) Counts() (bills int, entries int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.billCount, s.entryCount
}

func cloneBill(bill domain.Bill) domain.Bill {
	bill.Entries = slices.Clone(bill.Entries)
	return bill
}

func sortShops(shops []domain.Shop) {
	sort.Slice(shops, func(i, j int) bool {
		if shops[i].CreatedAt.Equal(shops[j].CreatedAt) {
			return shops[i].ID < shops[j].ID
		}
		return shops[i].CreatedAt.Before(shops[j].CreatedAt)
	})
}
