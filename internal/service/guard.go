package service

import (
	"context"
	"errors"

	"billbook/internal/domain"
)

// AuthorizeWrite resolves the caller's role in the shop. Owners and staff may
// record bills; anyone else gets ErrNotAuthorized.
func (s *Service) AuthorizeWrite(ctx context.Context, userID string, shopID string) (domain.Role, error) {
	_, role, err := s.authorize(ctx, userID, shopID)
	return role, err
}

// AuthorizeAnalytics admits only the shop owner.
func (s *Service) AuthorizeAnalytics(ctx context.Context, userID string, shopID string) (*domain.Shop, error) {
	shop, role, err := s.authorize(ctx, userID, shopID)
	if err != nil {
		return nil, err
	}
	if role != domain.RoleOwner {
		return nil, ErrNotAuthorized
	}
	return shop, nil
}

func (s *Service) authorize(ctx context.Context, userID string, shopID string) (*domain.Shop, domain.Role, error) {
	shop, err := s.repo.GetShop(ctx, shopID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", notFound("shop")
		}
		return nil, "", err
	}
	if userID != "" && shop.OwnerID == userID {
		return shop, domain.RoleOwner, nil
	}

	if _, err := s.repo.FindMembership(ctx, shopID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrNotAuthorized
		}
		return nil, "", err
	}
	return shop, domain.RoleStaff, nil
}

// ownerShop is the common preamble of owner-only operations.
func (s *Service) ownerShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if shopID == "" {
		return nil, invalid("shop id is required")
	}
	return s.AuthorizeAnalytics(ctx, identity.UserID, shopID)
}
