package service

import (
	"context"
	"fmt"

	userDomain "github.com/groupledger/tabbot/user"
)

// CreateUser registers a user on first contact. Re-registering a known id is
// a no-op, the original row wins.
func (h *Service) CreateUser(ctx context.Context, id int64, username, firstName, lastName string) error {
	u := &userDomain.User{
		ID:        id,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		Active:    true,
	}
	if err := h.userStore.AddUser(ctx, u); err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

func (h *Service) GetUser(ctx context.Context, id int64) (*userDomain.User, error) {
	return h.userStore.GetUser(ctx, id)
}

func (h *Service) ListUsers(ctx context.Context, activeOnly bool) ([]*userDomain.User, error) {
	return h.userStore.ListUsers(ctx, userDomain.ListFilter{ActiveOnly: activeOnly})
}

func (h *Service) RenameUser(ctx context.Context, id int64, firstName, lastName string) error {
	return h.userStore.RenameUser(ctx, id, firstName, lastName)
}

func (h *Service) SetUserActive(ctx context.Context, id int64, active bool) error {
	return h.userStore.SetUserActive(ctx, id, active)
}

// DeleteUserCascade removes the user and every debt, payment and idempotency
// record citing it, atomically. Any conversation in flight is discarded too.
func (h *Service) DeleteUserCascade(ctx context.Context, id int64) error {
	if err := h.userStore.DeleteUserCascade(ctx, id); err != nil {
		return fmt.Errorf("cascade delete user %d: %w", id, err)
	}
	h.sessions.Clear(id)
	return nil
}
