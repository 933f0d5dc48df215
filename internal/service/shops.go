package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"billbook/internal/domain"
	"billbook/internal/xid"
)

const maxShopNameLength = 120

func (s *Service) CreateShop(ctx context.Context, name string) (domain.Shop, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return domain.Shop{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Shop{}, invalid("shop name is required")
	}
	if len(name) > maxShopNameLength {
		return domain.Shop{}, invalid("shop name must be at most %d characters", maxShopNameLength)
	}

	if _, err := s.repo.GetUser(ctx, identity.UserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Shop{}, notFound("user (sync first)")
		}
		return domain.Shop{}, err
	}

	shop, err := s.repo.CreateShop(ctx, domain.Shop{
		ID:        xid.New("shop"),
		Name:      name,
		OwnerID:   identity.UserID,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.Shop{}, err
	}
	slog.InfoContext(ctx, "shop created", "shop_id", shop.ID, "user_id", identity.UserID)
	return *shop, nil
}

// ListShops returns the shops the caller owns and the ones they staff.
func (s *Service) ListShops(ctx context.Context) (domain.ShopList, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return domain.ShopList{}, err
	}
	owned, err := s.repo.ListOwnedShops(ctx, identity.UserID)
	if err != nil {
		return domain.ShopList{}, err
	}
	staffed, err := s.repo.ListStaffedShops(ctx, identity.UserID)
	if err != nil {
		return domain.ShopList{}, err
	}
	return domain.ShopList{Owned: owned, Staffed: staffed}, nil
}

// ShopView is what a member sees when opening a shop. Only the owner gets
// the staff list.
func (s *Service) ShopView(ctx context.Context, shopID string) (domain.ShopView, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return domain.ShopView{}, err
	}
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return domain.ShopView{}, invalid("shop id is required")
	}

	shop, role, err := s.authorize(ctx, identity.UserID, shopID)
	if err != nil {
		return domain.ShopView{}, err
	}
	view := domain.ShopView{Shop: *shop, Role: role}

	if owner, err := s.repo.GetUser(ctx, shop.OwnerID); err == nil {
		view.OwnerEmail = owner.Email
	} else if !errors.Is(err, ErrNotFound) {
		return domain.ShopView{}, err
	}

	if role == domain.RoleOwner {
		staff, err := s.repo.ListStaff(ctx, shopID)
		if err != nil {
			return domain.ShopView{}, err
		}
		view.Staff = staff
	}
	return view, nil
}
