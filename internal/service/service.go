package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"billbook/internal/analytics"
	"billbook/internal/cache"
	"billbook/internal/domain"
	"billbook/internal/metrics"
	"billbook/internal/store"
)

type identityContextKey struct{}

func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(domain.Identity)
	return identity, ok
}

type Service struct {
	repo        store.Repository
	analytics   *analytics.Engine
	invalidator cache.ViewInvalidator
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Service)

func WithInvalidator(invalidator cache.ViewInvalidator) Option {
	return func(s *Service) {
		if invalidator != nil {
			s.invalidator = invalidator
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces the wall clock used for bill timestamps and overview
// windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, engine *analytics.Engine, opts ...Option) *Service {
	if engine == nil {
		engine = analytics.New(repo)
	}
	s := &Service{
		repo:        repo,
		analytics:   engine,
		invalidator: cache.Noop{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) caller(ctx context.Context) (domain.Identity, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		return domain.Identity{}, ErrUnauthenticated
	}
	return identity, nil
}

// markStale tells the invalidator the shop's views changed. Failures are
// logged only; the write that triggered them has already committed.
func (s *Service) markStale(ctx context.Context, shopID string) {
	if err := s.invalidator.InvalidateShop(ctx, shopID); err != nil {
		slog.WarnContext(ctx, "shop view invalidation failed", "shop_id", shopID, "error", err)
	}
}
