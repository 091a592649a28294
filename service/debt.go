package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	debtDomain "github.com/groupledger/tabbot/debt"
	"github.com/groupledger/tabbot/operation"
)

type CreateDebtRequest struct {
	DebtorID    int64
	CreditorID  int64
	Amount      float64
	Description string
	// Receipt handle attached during the conversation; forwarded in the
	// notification, not persisted on the debt.
	ReceiptRef string
}

// CreateDebtResult reports the debt id and whether an earlier identical
// request was suppressed. A duplicate is a success, not an error.
type CreateDebtResult struct {
	DebtID    int64
	Duplicate bool
}

func (h *Service) CreateDebt(ctx context.Context, actorID int64, req CreateDebtRequest) (CreateDebtResult, error) {
	if req.Amount <= 0 {
		return CreateDebtResult{}, &debtDomain.ValidationError{Reason: "amount must be positive"}
	}
	if req.DebtorID == req.CreditorID {
		return CreateDebtResult{}, &debtDomain.ValidationError{Reason: "debtor and creditor must differ"}
	}

	hash, err := operation.Fingerprint(operation.KindCreateDebt, actorID, map[string]interface{}{
		"debtor_id":   req.DebtorID,
		"creditor_id": req.CreditorID,
		"amount":      req.Amount,
		"description": req.Description,
	})
	if err != nil {
		return CreateDebtResult{}, fmt.Errorf("fingerprinting create debt: %w", err)
	}

	if id, ok, err := h.operationStore.IsProcessed(ctx, hash); err != nil {
		return CreateDebtResult{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return CreateDebtResult{DebtID: id, Duplicate: true}, nil
	}

	// Retried transports may rebuild the request object, which defeats the
	// content hash. An identical open debt inside the trailing window is
	// treated as the same debt.
	since := time.Now().Add(-h.cfg.DuplicateDebtWindow)
	if id, ok, err := h.debtStore.FindDuplicateDebt(ctx, req.DebtorID, req.CreditorID, req.Amount, req.Description, since); err != nil {
		return CreateDebtResult{}, fmt.Errorf("duplicate debt lookup: %w", err)
	} else if ok {
		h.recordOperation(ctx, hash, operation.KindCreateDebt, actorID, marshalPayload(req), id)
		return CreateDebtResult{DebtID: id, Duplicate: true}, nil
	}

	d := debtDomain.NewDebt(req.DebtorID, req.CreditorID, req.Amount, req.Description)
	if err := h.debtStore.AddDebt(ctx, d); err != nil {
		return CreateDebtResult{}, fmt.Errorf("add debt: %w", err)
	}

	h.recordOperation(ctx, hash, operation.KindCreateDebt, actorID, marshalPayload(req), d.ID)
	h.informEvent(ctx, req.DebtorID, EventDebtCreated, NotificationPayload{
		DebtID:         d.ID,
		CounterpartyID: req.CreditorID,
		Amount:         req.Amount,
		Description:    req.Description,
		ReceiptRef:     req.ReceiptRef,
	})

	return CreateDebtResult{DebtID: d.ID}, nil
}

func (h *Service) GetDebt(ctx context.Context, id int64) (*debtDomain.Debt, error) {
	return h.debtStore.GetDebt(ctx, id)
}

func (h *Service) ListOpenDebts(ctx context.Context) ([]*debtDomain.Debt, error) {
	return h.debtStore.ListOpenDebts(ctx)
}

func (h *Service) ListUserDebts(ctx context.Context, debtorID int64) ([]*debtDomain.Debt, error) {
	return h.debtStore.ListUserDebts(ctx, debtorID)
}

// CloseDebt is the administrative close. Closing an already closed debt is a
// no-op success.
func (h *Service) CloseDebt(ctx context.Context, id int64) error {
	return h.debtStore.CloseDebt(ctx, id)
}

func (h *Service) DisputeDebt(ctx context.Context, id int64) error {
	return h.debtStore.DisputeDebt(ctx, id)
}

// GetDebtsDueForReminder returns open debts whose last reminder is absent or
// older than the cooldown, oldest first.
func (h *Service) GetDebtsDueForReminder(ctx context.Context) ([]*debtDomain.Debt, error) {
	return h.debtStore.ListDueForReminder(ctx, time.Now().Add(-h.cfg.ReminderCooldown))
}

func (h *Service) MarkReminderSent(ctx context.Context, debtID int64) error {
	return h.debtStore.MarkReminderSent(ctx, debtID)
}

func marshalPayload(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
