package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"billbook/internal/domain"
	"billbook/internal/store"
)

// AddStaff grants bill-writing access to the user registered under email.
func (s *Service) AddStaff(ctx context.Context, shopID string, email string) (domain.StaffMember, error) {
	shopID = strings.TrimSpace(shopID)
	email = strings.ToLower(strings.TrimSpace(email))
	if shopID == "" || email == "" {
		return domain.StaffMember{}, invalid("shop id and staff email are required")
	}
	shop, err := s.ownerShop(ctx, shopID)
	if err != nil {
		return domain.StaffMember{}, err
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.StaffMember{}, notFound("user")
		}
		return domain.StaffMember{}, err
	}
	if user.ID == shop.OwnerID {
		return domain.StaffMember{}, ErrSelfReference
	}

	if _, err := s.repo.FindMembership(ctx, shopID, user.ID); err == nil {
		return domain.StaffMember{}, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return domain.StaffMember{}, err
	}

	membership, err := s.repo.CreateMembership(ctx, domain.StaffMembership{ShopID: shopID, UserID: user.ID})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOwnerAsStaff):
			return domain.StaffMember{}, ErrSelfReference
		case errors.Is(err, ErrAlreadyExists):
			return domain.StaffMember{}, ErrAlreadyExists
		}
		return domain.StaffMember{}, err
	}

	s.markStale(ctx, shopID)
	slog.InfoContext(ctx, "staff added", "shop_id", shopID, "user_id", user.ID)
	return domain.StaffMember{
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
		AddedAt: membership.CreatedAt,
	}, nil
}

// RemoveStaff revokes a membership and reports how many rows went away.
// Removing someone who is not staff is not an error; the count is zero.
func (s *Service) RemoveStaff(ctx context.Context, shopID string, userID string) (int64, error) {
	shopID = strings.TrimSpace(shopID)
	userID = strings.TrimSpace(userID)
	if shopID == "" || userID == "" {
		return 0, invalid("shop id and staff user id are required")
	}
	shop, err := s.ownerShop(ctx, shopID)
	if err != nil {
		return 0, err
	}
	if userID == shop.OwnerID {
		return 0, ErrSelfReference
	}

	removed, err := s.repo.DeleteMembership(ctx, shopID, userID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.markStale(ctx, shopID)
		slog.InfoContext(ctx, "staff removed", "shop_id", shopID, "user_id", userID)
	}
	return removed, nil
}

func (s *Service) ListStaff(ctx context.Context, shopID string) ([]domain.StaffMember, error) {
	shopID = strings.TrimSpace(shopID)
	if _, err := s.ownerShop(ctx, shopID); err != nil {
		return nil, err
	}
	return s.repo.ListStaff(ctx, shopID)
}
