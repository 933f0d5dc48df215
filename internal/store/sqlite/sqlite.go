// Package sqlite provides a single-file store.Repository for local and
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"billbook/internal/domain"
	"billbook/internal/store"
	"billbook/internal/xid"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; keeps bill transactions from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		return nil, store.ErrNotFound
	}
	email := strings.ToLower(strings.TrimSpace(user.Email))
	role := user.Role
	if role == "" {
		role = domain.UserRoleStaff
	}
	now := time.Now().UTC().UnixMilli()

	var saved domain.User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, updated_at = excluded.updated_at
		RETURNING id, email, name, role, created_at, updated_at
	`, user.ID, email, user.Name, role, now, now).Scan(&saved.ID, &saved.Email, &saved.Name, &saved.Role, &createdAt, &updatedAt)
	if err != nil {
		return nil, classify(err)
	}
	saved.CreatedAt = fromMillis(createdAt)
	saved.UpdatedAt = fromMillis(updatedAt)
	return &saved, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, created_at, updated_at FROM users WHERE id = ?
	`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, created_at, updated_at FROM users WHERE email = ?
	`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var createdAt, updatedAt int64
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

func (s *Store) CreateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error) {
	if shop.ID == "" {
		shop.ID = xid.New("shop")
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shops (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)
	`, shop.ID, shop.Name, shop.OwnerID, shop.CreatedAt.UnixMilli())
	if err != nil {
		return nil, classify(err)
	}
	created := shop
	created.CreatedAt = fromMillis(shop.CreatedAt.UnixMilli())
	return &created, nil
}

func (s *Store) GetShop(ctx context.Context, id string) (*domain.Shop, error) {
	var shop domain.Shop
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at FROM shops WHERE id = ?
	`, id).Scan(&shop.ID, &shop.Name, &shop.OwnerID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shop.CreatedAt = fromMillis(createdAt)
	return &shop, nil
}

func (s *Store) ListOwnedShops(ctx context.Context, ownerID string) ([]domain.Shop, error) {
	return s.queryShops(ctx, `
		SELECT id, name, owner_id, created_at FROM shops
		WHERE owner_id = ?
		ORDER BY created_at, id
	`, ownerID)
}

func (s *Store) ListStaffedShops(ctx context.Context, userID string) ([]domain.Shop, error) {
	return s.queryShops(ctx, `
		SELECT s.id, s.name, s.owner_id, s.created_at
		FROM shops s
		JOIN staff_memberships m ON m.shop_id = s.id
		WHERE m.user_id = ?
		ORDER BY s.created_at, s.id
	`, userID)
}

func (s *Store) queryShops(ctx context.Context, query string, arg string) ([]domain.Shop, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shops := make([]domain.Shop, 0, 4)
	for rows.Next() {
		var shop domain.Shop
		var createdAt int64
		if err := rows.Scan(&shop.ID, &shop.Name, &shop.OwnerID, &createdAt); err != nil {
			return nil, err
		}
		shop.CreatedAt = fromMillis(createdAt)
		shops = append(shops, shop)
	}
	return shops, rows.Err()
}

func (s *Store) FindMembership(ctx context.Context, shopID string, userID string) (*domain.StaffMembership, error) {
	var membership domain.StaffMembership
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, user_id, created_at FROM staff_memberships
		WHERE shop_id = ? AND user_id = ?
	`, shopID, userID).Scan(&membership.ID, &membership.ShopID, &membership.UserID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	membership.CreatedAt = fromMillis(createdAt)
	return &membership, nil
}

func (s *Store) CreateMembership(ctx context.Context, membership domain.StaffMembership) (*domain.StaffMembership, error) {
	if membership.ID == "" {
		membership.ID = xid.New("staff")
	}
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM shops WHERE id = ?`, membership.ShopID).Scan(&ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ownerID == membership.UserID {
		return nil, store.ErrOwnerAsStaff
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO staff_memberships (id, shop_id, user_id, created_at) VALUES (?, ?, ?, ?)
	`, membership.ID, membership.ShopID, membership.UserID, membership.CreatedAt.UnixMilli()); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := membership
	created.CreatedAt = fromMillis(membership.CreatedAt.UnixMilli())
	return &created, nil
}

func (s *Store) DeleteMembership(ctx context.Context, shopID string, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM staff_memberships WHERE shop_id = ? AND user_id = ?
	`, shopID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListStaff(ctx context.Context, shopID string) ([]domain.StaffMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.name, m.created_at
		FROM staff_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.shop_id = ?
		ORDER BY m.created_at, u.id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staff := make([]domain.StaffMember, 0, 4)
	for rows.Next() {
		var member domain.StaffMember
		var addedAt int64
		if err := rows.Scan(&member.UserID, &member.Email, &member.Name, &addedAt); err != nil {
			return nil, err
		}
		member.AddedAt = fromMillis(addedAt)
		staff = append(staff, member)
	}
	return staff, rows.Err()
}

// CreateBill writes the bill and its entries in one transaction. A failing
// entry (for example the amount CHECK) rolls back every earlier insert.
func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if err := store.ValidateBill(bill); err != nil {
		return nil, err
	}

	saved := bill
	saved.CreatedAt = fromMillis(bill.CreatedAt.UnixMilli())
	saved.Entries = make([]domain.BillEntry, len(bill.Entries))
	createdAt := saved.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bills (id, shop_id, staff_id, created_at) VALUES (?, ?, ?, ?)
	`, saved.ID, saved.ShopID, saved.StaffID, createdAt); err != nil {
		return nil, classify(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bill_entries (id, bill_id, position, amount, created_at) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for i, entry := range bill.Entries {
		if entry.ID == "" {
			entry.ID = xid.New("entry")
		}
		entry.BillID = saved.ID
		entry.Position = i
		entry.CreatedAt = saved.CreatedAt
		if _, err := stmt.ExecContext(ctx, entry.ID, entry.BillID, entry.Position, entry.Amount.String(), createdAt); err != nil {
			return nil, classify(err)
		}
		saved.Entries[i] = entry
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) ListBills(ctx context.Context, shopID string, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.shop_id, b.staff_id, b.created_at, e.id, e.position, e.amount
		FROM (
			SELECT id, shop_id, staff_id, created_at FROM bills
			WHERE shop_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) b
		JOIN bill_entries e ON e.bill_id = b.id
		ORDER BY b.created_at DESC, b.id DESC, e.position
	`, shopID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, limit)
	for rows.Next() {
		var bill domain.Bill
		var entry domain.BillEntry
		var createdAt int64
		var amount string
		if err := rows.Scan(&bill.ID, &bill.ShopID, &bill.StaffID, &createdAt, &entry.ID, &entry.Position, &amount); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("entry %s amount: %w", entry.ID, err)
		}
		bill.CreatedAt = fromMillis(createdAt)
		entry.BillID = bill.ID
		entry.Amount = value
		entry.CreatedAt = bill.CreatedAt

		if n := len(bills); n > 0 && bills[n-1].ID == bill.ID {
			bills[n-1].Entries = append(bills[n-1].Entries, entry)
			continue
		}
		bill.Entries = []domain.BillEntry{entry}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

func (s *Store) SumEntries(ctx context.Context, shopID string, from time.Time, to time.Time) (decimal.Decimal, error) {
	amounts, err := s.ListEntryAmounts(ctx, shopID, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total, nil
}

func (s *Store) ListEntryAmounts(ctx context.Context, shopID string, from time.Time, to time.Time) ([]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.amount
		FROM bill_entries e
		JOIN bills b ON b.id = e.bill_id
		WHERE b.shop_id = ?
		  AND (? = 0 OR b.created_at >= ?)
		  AND (? = 0 OR b.created_at < ?)
		ORDER BY b.created_at, b.id, e.position
	`, shopID, !from.IsZero(), from.UnixMilli(), !to.IsZero(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amounts := make([]decimal.Decimal, 0, 16)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("entry amount %q: %w", raw, err)
		}
		amounts = append(amounts, amount)
	}
	return amounts, rows.Err()
}

// classify maps constraint failures onto the store error taxonomy.
func classify(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return store.ErrAlreadyExists
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return store.ErrNotFound
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return store.ErrInvalidBill
	}
	if sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		msg := sqliteErr.Error()
		switch {
		case strings.Contains(msg, "UNIQUE"):
			return store.ErrAlreadyExists
		case strings.Contains(msg, "FOREIGN KEY"):
			return store.ErrNotFound
		case strings.Contains(msg, "CHECK"):
			return store.ErrInvalidBill
		}
	}
	return err
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
