package service

import (
	"context"
	"errors"

	"billbook/internal/analytics"
	"billbook/internal/domain"
)

func (s *Service) Overview(ctx context.Context, shopID string) (domain.Overview, error) {
	if _, err := s.ownerShop(ctx, shopID); err != nil {
		return domain.Overview{}, err
	}
	return s.analytics.Overview(ctx, shopID, s.now())
}

// DateTotal never fails on the date itself: a malformed date comes back
// unselected.
func (s *Service) DateTotal(ctx context.Context, shopID string, date string, includeEntries bool) (domain.DateTotal, error) {
	if _, err := s.ownerShop(ctx, shopID); err != nil {
		return domain.DateTotal{}, err
	}
	return s.analytics.SpecificDate(ctx, shopID, date, includeEntries)
}

func (s *Service) RangeTotal(ctx context.Context, shopID string, from string, to string) (domain.RangeTotal, error) {
	if _, err := s.ownerShop(ctx, shopID); err != nil {
		return domain.RangeTotal{}, err
	}
	total, err := s.analytics.Range(ctx, shopID, from, to)
	if errors.Is(err, analytics.ErrInvalidRange) {
		return domain.RangeTotal{}, invalid("%s", analytics.RangeMessage(err))
	}
	return total, err
}

func (s *Service) Dashboard(ctx context.Context, shopID string, query domain.DashboardQuery) (domain.Dashboard, error) {
	if _, err := s.ownerShop(ctx, shopID); err != nil {
		return domain.Dashboard{}, err
	}
	return s.analytics.Dashboard(ctx, shopID, s.now(), query)
}
