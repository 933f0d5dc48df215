package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleOwner Role = "owner"
	RoleStaff Role = "staff"
)

// UserRoleStaff is the role tag assigned to users on their first sync.
const UserRoleStaff = "STAFF"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the authenticated caller as asserted by the identity provider.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type Shop struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type StaffMembership struct {
	ID        string    `json:"id"`
	ShopID    string    `json:"shop_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StaffMember is a membership joined with the staff user's profile.
type StaffMember struct {
	UserID  string    `json:"user_id"`
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

type Bill struct {
	ID        string      `json:"id"`
	ShopID    string      `json:"shop_id"`
	StaffID   string      `json:"staff_id"`
	CreatedAt time.Time   `json:"created_at"`
	Entries   []BillEntry `json:"entries"`
}

type BillEntry struct {
	ID        string          `json:"id"`
	BillID    string          `json:"bill_id"`
	Position  int             `json:"position"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

func (b Bill) Total() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range b.Entries {
		total = total.Add(entry.Amount)
	}
	return total
}

type CreateShopRequest struct {
	Name string `json:"name"`
}

type CreateBillRequest struct {
	Expression string `json:"expression"`
}

type CreateBillResponse struct {
	BillID     string          `json:"bill_id"`
	ShopID     string          `json:"shop_id"`
	Role       Role            `json:"role"`
	EntryCount int             `json:"entry_count"`
	Total      decimal.Decimal `json:"total"`
	CreatedAt  string          `json:"created_at"`
}

type BillSummary struct {
	ID        string            `json:"id"`
	StaffID   string            `json:"staff_id"`
	Amounts   []decimal.Decimal `json:"amounts"`
	Total     decimal.Decimal   `json:"total"`
	CreatedAt string            `json:"created_at"`
}

type PreviewRequest struct {
	Expression string `json:"expression"`
}

type AddStaffRequest struct {
	Email string `json:"email"`
}

type RemoveStaffResponse struct {
	Removed int64 `json:"removed"`
}

type ShopList struct {
	Owned   []Shop `json:"owned"`
	Staffed []Shop `json:"staffed"`
}

type ShopView struct {
	Shop       Shop          `json:"shop"`
	OwnerEmail string        `json:"owner_email"`
	Role       Role          `json:"role"`
	Staff      []StaffMember `json:"staff,omitempty"`
}

type Overview struct {
	Today       decimal.Decimal `json:"today"`
	WeekToDate  decimal.Decimal `json:"week_to_date"`
	MonthToDate decimal.Decimal `json:"month_to_date"`
	AsOf        string          `json:"as_of"`
	LocalDate   string          `json:"local_date"`
}

// DateTotal is the total for one local calendar day. Selected is false when
// the requested date was absent or not a valid YYYY-MM-DD string.
type DateTotal struct {
	Date     string            `json:"date"`
	Selected bool              `json:"selected"`
	Total    decimal.Decimal   `json:"total"`
	Entries  []decimal.Decimal `json:"entries,omitempty"`
	Count    int               `json:"count,omitempty"`
	Listed   bool              `json:"listed"`
}

type RangeTotal struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Total decimal.Decimal `json:"total"`
}

type DashboardQuery struct {
	Date        string
	ShowEntries bool
	From        string
	To          string
}

type Dashboard struct {
	ShopID     string      `json:"shop_id"`
	Overview   Overview    `json:"overview"`
	Date       DateTotal   `json:"date"`
	Range      *RangeTotal `json:"range,omitempty"`
	RangeError string      `json:"range_error,omitempty"`
}
