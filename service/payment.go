package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/groupledger/tabbot/operation"
	paymentDomain "github.com/groupledger/tabbot/payment"
)

type CreatePaymentResult struct {
	PaymentID int64
	Duplicate bool
}

// DecisionResult reports a confirm or cancel outcome. Idempotent means the
// decision had already been applied; to the caller both are success.
type DecisionResult struct {
	PaymentID  int64
	Idempotent bool
}

// CreatePayment records the debtor's claim of having settled a debt. The
// creditor is derived from the debt, never taken from the caller.
func (h *Service) CreatePayment(ctx context.Context, debtorID, debtID int64, receiptRef string) (CreatePaymentResult, error) {
	d, err := h.debtStore.GetDebt(ctx, debtID)
	if err != nil {
		return CreatePaymentResult{}, err
	}
	if d.DebtorID != debtorID {
		return CreatePaymentResult{}, &paymentDomain.ErrInvalidState{Reason: fmt.Sprintf("user %d is not the debtor of debt %d", debtorID, debtID)}
	}

	if receiptRef != "" && h.receiptResolver != nil {
		resolved, err := h.receiptResolver.ResolveReceipt(ctx, receiptRef)
		if err != nil {
			log.Printf("Error resolving receipt for debt %d, keeping original handle: %v\n", debtID, err)
		} else {
			receiptRef = resolved
		}
	}

	hash, err := operation.Fingerprint(operation.KindCreatePayment, debtorID, map[string]interface{}{
		"debt_id": debtID,
	})
	if err != nil {
		return CreatePaymentResult{}, fmt.Errorf("fingerprinting create payment: %w", err)
	}

	if id, ok, err := h.operationStore.IsProcessed(ctx, hash); err != nil {
		return CreatePaymentResult{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return CreatePaymentResult{PaymentID: id, Duplicate: true}, nil
	}

	// At most one Pending or Confirmed payment may exist per debt.
	if id, ok, err := h.paymentStore.FindActivePayment(ctx, debtID, debtorID); err != nil {
		return CreatePaymentResult{}, fmt.Errorf("duplicate payment lookup: %w", err)
	} else if ok {
		h.recordOperation(ctx, hash, operation.KindCreatePayment, debtorID, "", id)
		return CreatePaymentResult{PaymentID: id, Duplicate: true}, nil
	}

	p := paymentDomain.NewPayment(debtID, debtorID, d.CreditorID, receiptRef)
	if err := h.paymentStore.AddPayment(ctx, p); err != nil {
		return CreatePaymentResult{}, fmt.Errorf("add payment: %w", err)
	}

	h.recordOperation(ctx, hash, operation.KindCreatePayment, debtorID, "", p.ID)
	h.informEvent(ctx, d.CreditorID, EventPaymentSubmitted, NotificationPayload{
		DebtID:         debtID,
		PaymentID:      p.ID,
		CounterpartyID: debtorID,
		Amount:         d.Amount,
		Description:    d.Description,
		ReceiptRef:     receiptRef,
	})

	return CreatePaymentResult{PaymentID: p.ID}, nil
}

func (h *Service) GetPayment(ctx context.Context, id int64) (*paymentDomain.Payment, error) {
	return h.paymentStore.GetPayment(ctx, id)
}

// ConfirmPayment applies the creditor's approval: payment Confirmed, owning
// debt Closed, as one transaction. Re-confirming is an idempotent success.
func (h *Service) ConfirmPayment(ctx context.Context, actorID, paymentID int64) (DecisionResult, error) {
	p, err := h.paymentStore.GetPayment(ctx, paymentID)
	if err != nil {
		return DecisionResult{}, err
	}
	if p.CreditorID != actorID {
		return DecisionResult{}, &paymentDomain.ErrInvalidState{ID: paymentID, Reason: fmt.Sprintf("user %d is not the creditor", actorID)}
	}

	hash, err := operation.Fingerprint(operation.KindConfirmPayment, actorID, map[string]interface{}{
		"payment_id": paymentID,
	})
	if err != nil {
		return DecisionResult{}, fmt.Errorf("fingerprinting confirm payment: %w", err)
	}

	if _, ok, err := h.operationStore.IsProcessed(ctx, hash); err != nil {
		return DecisionResult{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return DecisionResult{PaymentID: paymentID, Idempotent: true}, nil
	}

	transitioned, err := h.paymentStore.ConfirmPayment(ctx, paymentID)
	if err != nil {
		return DecisionResult{}, err
	}

	h.recordOperation(ctx, hash, operation.KindConfirmPayment, actorID, "", paymentID)
	if transitioned {
		h.informEvent(ctx, p.DebtorID, EventPaymentConfirmed, NotificationPayload{
			DebtID:         p.DebtID,
			PaymentID:      paymentID,
			CounterpartyID: p.CreditorID,
		})
	}

	return DecisionResult{PaymentID: paymentID, Idempotent: !transitioned}, nil
}

// CancelPayment applies the creditor's rejection. The debt stays open so the
// debtor can resubmit with a better receipt.
func (h *Service) CancelPayment(ctx context.Context, actorID, paymentID int64, reason string) (DecisionResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DecisionResult{}, &paymentDomain.ValidationError{Reason: "cancellation reason must not be empty"}
	}

	p, err := h.paymentStore.GetPayment(ctx, paymentID)
	if err != nil {
		return DecisionResult{}, err
	}
	if p.CreditorID != actorID {
		return DecisionResult{}, &paymentDomain.ErrInvalidState{ID: paymentID, Reason: fmt.Sprintf("user %d is not the creditor", actorID)}
	}

	hash, err := operation.Fingerprint(operation.KindCancelPayment, actorID, map[string]interface{}{
		"payment_id": paymentID,
		"reason":     reason,
	})
	if err != nil {
		return DecisionResult{}, fmt.Errorf("fingerprinting cancel payment: %w", err)
	}

	if _, ok, err := h.operationStore.IsProcessed(ctx, hash); err != nil {
		return DecisionResult{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return DecisionResult{PaymentID: paymentID, Idempotent: true}, nil
	}

	transitioned, err := h.paymentStore.CancelPayment(ctx, paymentID, reason)
	if err != nil {
		return DecisionResult{}, err
	}

	h.recordOperation(ctx, hash, operation.KindCancelPayment, actorID, "", paymentID)
	if transitioned {
		h.informEvent(ctx, p.DebtorID, EventPaymentCancelled, NotificationPayload{
			DebtID:         p.DebtID,
			PaymentID:      paymentID,
			CounterpartyID: p.CreditorID,
			Reason:         reason,
		})
	}

	return DecisionResult{PaymentID: paymentID, Idempotent: !transitioned}, nil
}
