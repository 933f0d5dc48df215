package service

import (
	"context"
	"strings"

	"billbook/internal/domain"
)

// SyncUser records the caller's identity-provider profile. First-time users
// get the STAFF role tag.
func (s *Service) SyncUser(ctx context.Context) (domain.User, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return domain.User{}, err
	}
	email := strings.TrimSpace(identity.Email)
	if email == "" {
		return domain.User{}, invalid("identity has no email address")
	}

	user, err := s.repo.UpsertUser(ctx, domain.User{
		ID:    identity.UserID,
		Email: email,
		Name:  strings.TrimSpace(identity.Name),
		Role:  domain.UserRoleStaff,
	})
	if err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

func (s *Service) CurrentUser(ctx context.Context) (domain.User, error) {
	identity, err := s.caller(ctx)
	if err != nil {
		return domain.User{}, err
	}
	user, err := s.repo.GetUser(ctx, identity.UserID)
	if err != nil {
		return domain.User{}, err
	}
	return *user, nil
}
