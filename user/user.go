package user

import (
	"context"
	"fmt"
	"time"
)

type User struct {
	ID          int64      `db:"user_id"` // assigned by the chat platform, immutable
	Username    string     `db:"username"`
	FirstName   string     `db:"first_name"`
	LastName    string     `db:"last_name"`
	Active      bool       `db:"is_active"`
	CreatedAt   time.Time  `db:"created_at"`
	ActivatedAt *time.Time `db:"activated_at"`
}

// DisplayName resolves the best human-readable name for messages.
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return u.Username
	}
	return fmt.Sprintf("User %d", u.ID)
}

type ErrNotFound struct {
	ID int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("user %d not found", e.ID)
}

type ListFilter struct {
	ActiveOnly bool
}

type Store interface {
	AddUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context, filter ListFilter) ([]*User, error)
	RenameUser(ctx context.Context, id int64, firstName, lastName string) error
	SetUserActive(ctx context.Context, id int64, active bool) error
	DeleteUserCascade(ctx context.Context, id int64) error
}
