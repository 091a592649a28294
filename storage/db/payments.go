package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	debtDomain "github.com/groupledger/tabbot/debt"
	paymentDomain "github.com/groupledger/tabbot/payment"
)

func (d *DBStore) AddPayment(_ context.Context, payment *paymentDomain.Payment) error {
	if payment == nil {
		return fmt.Errorf("nil payment")
	}
	if payment.Status == "" {
		payment.Status = paymentDomain.StatusPending
	}
	payment.CreatedAt = time.Now()

	sql, args, err := sq.Insert("payments").
		Columns("debt_id", "debtor_id", "creditor_id", "receipt_ref", "status", "created_at").
		Values(payment.DebtID, payment.DebtorID, payment.CreditorID, payment.ReceiptRef, payment.Status, payment.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("generating insert SQL: %w", err)
	}

	res, err := d.db.Exec(sql, args...)
	if err != nil {
		return newExecError("adding payment", sql, err, args...)
	}

	payment.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	return nil
}

func (d *DBStore) GetPayment(_ context.Context, id int64) (*paymentDomain.Payment, error) {
	sql, args, err := sq.Select("*").From("payments").Where("id=?", id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}

	var payments []*paymentDomain.Payment
	err = d.db.Select(&payments, sql, args...)
	if err != nil {
		return nil, newExecError("selecting payment", sql, err, args...)
	}

	if len(payments) == 0 {
		return nil, &paymentDomain.ErrNotFound{ID: id}
	}

	return payments[0], nil
}

func (d *DBStore) FindActivePayment(_ context.Context, debtID, debtorID int64) (int64, bool, error) {
	sqlStr, args, err := sq.Select("id").From("payments").
		Where("debt_id=? AND debtor_id=?", debtID, debtorID).
		Where(sq.Eq{"status": []paymentDomain.Status{paymentDomain.StatusPending, paymentDomain.StatusConfirmed}}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("generating select SQL: %w", err)
	}

	var id int64
	err = d.db.Get(&id, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newExecError("selecting active payment", sqlStr, err, args...)
	}

	return id, true, nil
}

// ConfirmPayment performs the Pending -> Confirmed transition and closes the
// owning debt in one transaction. The conditional update is the linearization
// point: of two racing confirms exactly one flips the row, the other observes
// an already-Confirmed payment and reports an idempotent success.
func (d *DBStore) ConfirmPayment(ctx context.Context, id int64) (bool, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	transitioned, err := d.transitionPayment(tx, id, paymentDomain.StatusConfirmed, "")
	if err != nil {
		return false, err
	}
	if !transitioned {
		return false, tx.Commit()
	}

	var debtID int64
	if err := tx.Get(&debtID, "SELECT debt_id FROM payments WHERE id=?", id); err != nil {
		return false, fmt.Errorf("selecting debt for payment %d: %w", id, err)
	}

	sqlStr, args, err := sq.Update("debts").
		Set("status", debtDomain.StatusClosed).
		Set("closed_at", time.Now()).
		Where("id=? AND status=?", debtID, debtDomain.StatusOpen).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("generating update SQL: %w", err)
	}
	if _, err := tx.Exec(sqlStr, args...); err != nil {
		return false, newExecError("closing debt for confirmed payment", sqlStr, err, args...)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment confirmation: %w", err)
	}
	return true, nil
}

// CancelPayment transitions Pending -> Cancelled with the given reason. The
// debt stays open so the debtor can resubmit.
func (d *DBStore) CancelPayment(ctx context.Context, id int64, reason string) (bool, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	transitioned, err := d.transitionPayment(tx, id, paymentDomain.StatusCancelled, reason)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment cancellation: %w", err)
	}
	return transitioned, nil
}

func (d *DBStore) transitionPayment(tx *sqlx.Tx, id int64, target paymentDomain.Status, reason string) (bool, error) {
	update := sq.Update("payments").
		Set("status", target).
		Where("id=? AND status=?", id, paymentDomain.StatusPending)
	switch target {
	case paymentDomain.StatusConfirmed:
		update = update.Set("confirmed_at", time.Now())
	case paymentDomain.StatusCancelled:
		update = update.Set("cancelled_at", time.Now()).Set("cancel_reason", reason)
	}

	sqlStr, args, err := update.ToSql()
	if err != nil {
		return false, fmt.Errorf("generating update SQL: %w", err)
	}

	res, err := tx.Exec(sqlStr, args...)
	if err != nil {
		return false, newExecError("transitioning payment", sqlStr, err, args...)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	var status paymentDomain.Status
	err = tx.Get(&status, "SELECT status FROM payments WHERE id=?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &paymentDomain.ErrNotFound{ID: id}
	}
	if err != nil {
		return false, newExecError("selecting payment status", sqlStr, err, id)
	}

	if status == target {
		// Duplicate delivery of the same decision.
		return false, nil
	}
	return false, &paymentDomain.ErrInvalidState{ID: id, Status: status}
}
