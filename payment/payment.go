package payment

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusCancelled Status = "Cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

type Payment struct {
	ID       int64 `db:"id"`
	DebtID   int64 `db:"debt_id"`
	DebtorID int64 `db:"debtor_id"`
	// Denormalized from the debt at creation time so the confirm/cancel
	// authorization check doesn't need a join.
	CreditorID   int64      `db:"creditor_id"`
	ReceiptRef   string     `db:"receipt_ref"` // opaque file handle owned by the transport
	Status       Status     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	ConfirmedAt  *time.Time `db:"confirmed_at"`
	CancelledAt  *time.Time `db:"cancelled_at"`
	CancelReason string     `db:"cancel_reason"`
}

type ErrNotFound struct {
	ID int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("payment %d not found", e.ID)
}

type ErrInvalidState struct {
	ID     int64
	Status Status
	Reason string
}

func (e *ErrInvalidState) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("payment %d: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("payment %d is %s, transition not allowed", e.ID, e.Status)
}

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewPayment(debtID, debtorID, creditorID int64, receiptRef string) *Payment {
	return &Payment{
		DebtID:     debtID,
		DebtorID:   debtorID,
		CreditorID: creditorID,
		ReceiptRef: receiptRef,
		Status:     StatusPending,
	}
}

type Store interface {
	AddPayment(ctx context.Context, payment *Payment) error
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	// FindActivePayment returns an existing Pending or Confirmed payment for
	// the (debt, debtor) pair, used to suppress duplicate submissions.
	FindActivePayment(ctx context.Context, debtID, debtorID int64) (int64, bool, error)
	// ConfirmPayment atomically transitions Pending -> Confirmed and closes
	// the owning debt in the same transaction. The returned bool is false
	// when the payment was already Confirmed (idempotent re-application).
	ConfirmPayment(ctx context.Context, id int64) (bool, error)
	// CancelPayment transitions Pending -> Cancelled with a reason, leaving
	// the debt open. The returned bool is false when already Cancelled.
	CancelPayment(ctx context.Context, id int64, reason string) (bool, error)
}
