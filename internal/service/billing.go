package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/domain"
	"billbook/internal/expr"
	"billbook/internal/store"
	"billbook/internal/xid"
)

const (
	defaultBillListLimit = 20
	maxBillListLimit     = 200
)

// CreateBill records one bill with an entry per amount in the expression,
// on behalf of the calling user.
func (s *Service) CreateBill(ctx context.Context, shopID string, expression string) (domain.CreateBillResponse, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return domain.CreateBillResponse{}, err
	}
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return domain.CreateBillResponse{}, invalid("shop id is required")
	}
	if strings.TrimSpace(expression) == "" {
		return domain.CreateBillResponse{}, invalid("please enter amounts like 70+69+56")
	}

	role, err := s.AuthorizeWrite(ctx, identity.UserID, shopID)
	if err != nil {
		return domain.CreateBillResponse{}, err
	}

	amounts, err := expr.Parse(expression)
	if errors.Is(err, expr.ErrEmpty) {
		return domain.CreateBillResponse{}, invalid("please enter amounts like 70+69+56")
	}
	if err != nil {
		return domain.CreateBillResponse{}, err
	}

	entries := make([]domain.BillEntry, 0, len(amounts))
	for _, amount := range amounts {
		entries = append(entries, domain.BillEntry{Amount: amount})
	}
	saved, err := s.repo.CreateBill(ctx, domain.Bill{
		ID:        xid.New("bill"),
		ShopID:    shopID,
		StaffID:   identity.UserID,
		CreatedAt: s.now().UTC(),
		Entries:   entries,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidBill) {
			return domain.CreateBillResponse{}, invalid("bill could not be recorded: every amount must be greater than zero")
		}
		slog.ErrorContext(ctx, "bill insert failed", "shop_id", shopID, "user_id", identity.UserID, "error", err)
		return domain.CreateBillResponse{}, err
	}

	s.markStale(ctx, shopID)
	s.metrics.BillCreated(string(role), len(saved.Entries))
	slog.InfoContext(ctx, "bill created",
		"shop_id", shopID,
		"bill_id", saved.ID,
		"user_id", identity.UserID,
		"role", role,
		"entries", len(saved.Entries),
	)

	return domain.CreateBillResponse{
		BillID:     saved.ID,
		ShopID:     saved.ShopID,
		Role:       role,
		EntryCount: len(saved.Entries),
		Total:      saved.Total(),
		CreatedAt:  saved.CreatedAt.Format(time.RFC3339),
	}, nil
}

// ListRecentBills is the owner's newest-first bill list.
func (s *Service) ListRecentBills(ctx context.Context, shopID string, limit int) ([]domain.BillSummary, error) {
	if _, err := s.ownerShop(ctx, shopID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = defaultBillListLimit
	}
	if limit > maxBillListLimit {
		limit = maxBillListLimit
	}

	bills, err := s.repo.ListBills(ctx, shopID, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.BillSummary, 0, len(bills))
	for _, bill := range bills {
		summary := domain.BillSummary{
			ID:        bill.ID,
			StaffID:   bill.StaffID,
			Amounts:   make([]decimal.Decimal, 0, len(bill.Entries)),
			Total:     bill.Total(),
			CreatedAt: bill.CreatedAt.Format(time.RFC3339),
		}
		for _, entry := range bill.Entries {
			summary.Amounts = append(summary.Amounts, entry.Amount)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// PreviewBill evaluates an expression with the same parser CreateBill uses.
func (s *Service) PreviewBill(expression string) expr.Preview {
	return expr.Evaluate(expression)
}
