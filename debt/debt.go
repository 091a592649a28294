package debt

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusOpen     Status = "Open"
	StatusClosed   Status = "Closed"
	StatusDisputed Status = "Disputed"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusDisputed
}

type Debt struct {
	ID           int64      `db:"id"`
	DebtorID     int64      `db:"debtor_id"`
	CreditorID   int64      `db:"creditor_id"`
	Amount       float64    `db:"amount"`
	Description  string     `db:"description"`
	Status       Status     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	ClosedAt     *time.Time `db:"closed_at"`
	LastReminder *time.Time `db:"last_reminder"`
}

type ErrNotFound struct {
	ID int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("debt %d not found", e.ID)
}

// ErrInvalidState is returned when a transition is attempted out of a
// terminal status, so the caller can tell "already closed" from "succeeded".
type ErrInvalidState struct {
	ID     int64
	Status Status
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("debt %d is %s, no further transition allowed", e.ID, e.Status)
}

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewDebt(debtorID, creditorID int64, amount float64, description string) *Debt {
	return &Debt{
		DebtorID:    debtorID,
		CreditorID:  creditorID,
		Amount:      amount,
		Description: description,
		Status:      StatusOpen,
	}
}

type Store interface {
	AddDebt(ctx context.Context, debt *Debt) error
	GetDebt(ctx context.Context, id int64) (*Debt, error)
	// FindDuplicateDebt returns the most recently created open debt with the
	// same (debtor, creditor, amount, description) tuple created after since.
	FindDuplicateDebt(ctx context.Context, debtorID, creditorID int64, amount float64, description string, since time.Time) (int64, bool, error)
	ListOpenDebts(ctx context.Context) ([]*Debt, error)
	ListUserDebts(ctx context.Context, debtorID int64) ([]*Debt, error)
	ListDueForReminder(ctx context.Context, reminderCutoff time.Time) ([]*Debt, error)
	CloseDebt(ctx context.Context, id int64) error
	DisputeDebt(ctx context.Context, id int64) error
	MarkReminderSent(ctx context.Context, id int64) error
}
