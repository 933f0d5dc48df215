package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"billbook/internal/domain"
	"billbook/internal/store"
	"billbook/internal/xid"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
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
	role := user.Role
	if role == "" {
		role = domain.UserRoleStaff
	}

	var saved domain.User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (id)
		DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = now()
		RETURNING id, email, name, role, created_at, updated_at
	`, user.ID, normalizeEmail(user.Email), user.Name, role).Scan(
		&saved.ID, &saved.Email, &saved.Name, &saved.Role, &saved.CreatedAt, &saved.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	saved.CreatedAt = saved.CreatedAt.UTC()
	saved.UpdatedAt = saved.UpdatedAt.UTC()
	return &saved, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, created_at, updated_at
		FROM users
		WHERE email = $1
	`, normalizeEmail(email)))
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
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
		INSERT INTO shops (id, name, owner_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, shop.ID, shop.Name, shop.OwnerID, shop.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	created := shop
	return &created, nil
}

func (s *Store) GetShop(ctx context.Context, id string) (*domain.Shop, error) {
	var shop domain.Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at
		FROM shops
		WHERE id = $1
	`, id).Scan(&shop.ID, &shop.Name, &shop.OwnerID, &shop.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shop.CreatedAt = shop.CreatedAt.UTC()
	return &shop, nil
}

func (s *Store) ListOwnedShops(ctx context.Context, ownerID string) ([]domain.Shop, error) {
	return s.queryShops(ctx, `
		SELECT id, name, owner_id, created_at
		FROM shops
		WHERE owner_id = $1
		ORDER BY created_at, id
	`, ownerID)
}

func (s *Store) ListStaffedShops(ctx context.Context, userID string) ([]domain.Shop, error) {
	return s.queryShops(ctx, `
		SELECT s.id, s.name, s.owner_id, s.created_at
		FROM shops s
		JOIN staff_memberships m ON m.shop_id = s.id
		WHERE m.user_id = $1
		ORDER BY s.created_at, s.id
	`, userID)
}

func (s *Store) queryShops(ctx context.Context, query string, arg string) ([]domain.Shop, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shops := make([]domain.Shop, 0, 8)
	for rows.Next() {
		var shop domain.Shop
		if err := rows.Scan(&shop.ID, &shop.Name, &shop.OwnerID, &shop.CreatedAt); err != nil {
			return nil, err
		}
		shop.CreatedAt = shop.CreatedAt.UTC()
		shops = append(shops, shop)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shops, nil
}

func (s *Store) FindMembership(ctx context.Context, shopID string, userID string) (*domain.StaffMembership, error) {
	var membership domain.StaffMembership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, user_id, created_at
		FROM staff_memberships
		WHERE shop_id = $1 AND user_id = $2
	`, shopID, userID).Scan(&membership.ID, &membership.ShopID, &membership.UserID, &membership.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	membership.CreatedAt = membership.CreatedAt.UTC()
	return &membership, nil
}

// CreateMembership inserts through a SELECT on shops so the owner check and
// the insert see the same row.
func (s *Store) CreateMembership(ctx context.Context, membership domain.StaffMembership) (*domain.StaffMembership, error) {
	if membership.ID == "" {
		membership.ID = xid.New("staff")
	}
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_memberships (id, shop_id, user_id, created_at)
		SELECT $1, s.id, $3, $4
		FROM shops s
		WHERE s.id = $2 AND s.owner_id <> $3
	`, membership.ID, membership.ShopID, membership.UserID, membership.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		shop, err := s.GetShop(ctx, membership.ShopID)
		if err != nil {
			return nil, err
		}
		if shop.OwnerID == membership.UserID {
			return nil, store.ErrOwnerAsStaff
		}
		return nil, store.ErrNotFound
	}

	created := membership
	return &created, nil
}

func (s *Store) DeleteMembership(ctx context.Context, shopID string, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM staff_memberships
		WHERE shop_id = $1 AND user_id = $2
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
		WHERE m.shop_id = $1
		ORDER BY m.created_at, u.id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staff := make([]domain.StaffMember, 0, 8)
	for rows.Next() {
		var member domain.StaffMember
		if err := rows.Scan(&member.UserID, &member.Email, &member.Name, &member.AddedAt); err != nil {
			return nil, err
		}
		member.AddedAt = member.AddedAt.UTC()
		staff = append(staff, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return staff, nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if err := store.ValidateBill(bill); err != nil {
		return nil, err
	}

	saved := bill
	saved.CreatedAt = bill.CreatedAt.UTC()
	saved.Entries = make([]domain.BillEntry, len(bill.Entries))

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bills (id, shop_id, staff_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, saved.ID, saved.ShopID, saved.StaffID, saved.CreatedAt); err != nil {
		return nil, classify(err)
	}

	for i, entry := range bill.Entries {
		if entry.ID == "" {
			entry.ID = xid.New("entry")
		}
		entry.BillID = saved.ID
		entry.Position = i
		entry.CreatedAt = saved.CreatedAt
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bill_entries (id, bill_id, position, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, entry.ID, entry.BillID, entry.Position, entry.Amount.String(), entry.CreatedAt); err != nil {
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
		SELECT b.id, b.shop_id, b.staff_id, b.created_at, e.id, e.position, e.amount::text
		FROM (
			SELECT id, shop_id, staff_id, created_at
			FROM bills
			WHERE shop_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
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
		var amount string
		if err := rows.Scan(&bill.ID, &bill.ShopID, &bill.StaffID, &bill.CreatedAt, &entry.ID, &entry.Position, &amount); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("entry %s amount: %w", entry.ID, err)
		}
		bill.CreatedAt = bill.CreatedAt.UTC()
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bills, nil
}

func (s *Store) SumEntries(ctx context.Context, shopID string, from time.Time, to time.Time) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.amount), 0)::text
		FROM bill_entries e
		JOIN bills b ON b.id = e.bill_id
		WHERE b.shop_id = $1
		  AND b.created_at >= $2
		  AND ($3::timestamptz IS NULL OR b.created_at < $3)
	`, shopID, from.UTC(), upperBound(to)).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum %q: %w", raw, err)
	}
	return total, nil
}

func (s *Store) ListEntryAmounts(ctx context.Context, shopID string, from time.Time, to time.Time) ([]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.amount::text
		FROM bill_entries e
		JOIN bills b ON b.id = e.bill_id
		WHERE b.shop_id = $1
		  AND b.created_at >= $2
		  AND ($3::timestamptz IS NULL OR b.created_at < $3)
		ORDER BY b.created_at, b.id, e.position
	`, shopID, from.UTC(), upperBound(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amounts := make([]decimal.Decimal, 0, 32)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return amounts, nil
}

func upperBound(to time.Time) any {
	if to.IsZero() {
		return nil
	}
	return to.UTC()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return store.ErrAlreadyExists
	case "23503":
		return store.ErrNotFound
	case "23514":
		return store.ErrInvalidBill
	}
	return err
}
