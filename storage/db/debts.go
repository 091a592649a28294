package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	debtDomain "github.com/groupledger/tabbot/debt"
)

func (d *DBStore) AddDebt(_ context.Context, debt *debtDomain.Debt) error {
	if debt == nil {
		return fmt.Errorf("nil debt")
	}
	if debt.Status == "" {
		debt.Status = debtDomain.StatusOpen
	}
	debt.CreatedAt = time.Now()

	sql, args, err := sq.Insert("debts").
		Columns("debtor_id", "creditor_id", "amount", "description", "status", "created_at").
		Values(debt.DebtorID, debt.CreditorID, debt.Amount, debt.Description, debt.Status, debt.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("generating insert SQL: %w", err)
	}

	res, err := d.db.Exec(sql, args...)
	if err != nil {
		return newExecError("adding debt", sql, err, args...)
	}

	debt.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	return nil
}

func (d *DBStore) GetDebt(_ context.Context, id int64) (*debtDomain.Debt, error) {
	sql, args, err := sq.Select("*").From("debts").Where("id=?", id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}

	var debts []*debtDomain.Debt
	err = d.db.Select(&debts, sql, args...)
	if err != nil {
		return nil, newExecError("selecting debt", sql, err, args...)
	}

	if len(debts) == 0 {
		return nil, &debtDomain.ErrNotFound{ID: id}
	}

	return debts[0], nil
}

func (d *DBStore) FindDuplicateDebt(_ context.Context, debtorID, creditorID int64, amount float64, description string, since time.Time) (int64, bool, error) {
	sqlStr, args, err := sq.Select("id").From("debts").
		Where("debtor_id=? AND creditor_id=? AND amount=? AND description=?", debtorID, creditorID, amount, description).
		Where("status=?", debtDomain.StatusOpen).
		Where("created_at >= ?", since).
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
		return 0, false, newExecError("selecting duplicate debt", sqlStr, err, args...)
	}

	return id, true, nil
}

func (d *DBStore) ListOpenDebts(_ context.Context) ([]*debtDomain.Debt, error) {
	return d.listDebts(sq.Select("*").From("debts").
		Where("status=?", debtDomain.StatusOpen).
		OrderBy("created_at DESC"))
}

func (d *DBStore) ListUserDebts(_ context.Context, debtorID int64) ([]*debtDomain.Debt, error) {
	return d.listDebts(sq.Select("*").From("debts").
		Where("debtor_id=? AND status=?", debtorID, debtDomain.StatusOpen).
		OrderBy("created_at DESC"))
}

// ListDueForReminder selects open debts never reminded or last reminded
// before the cutoff, oldest debt first.
func (d *DBStore) ListDueForReminder(_ context.Context, reminderCutoff time.Time) ([]*debtDomain.Debt, error) {
	return d.listDebts(sq.Select("*").From("debts").
		Where("status=?", debtDomain.StatusOpen).
		Where("(last_reminder IS NULL OR last_reminder <= ?)", reminderCutoff).
		OrderBy("created_at ASC"))
}

func (d *DBStore) listDebts(builder sq.SelectBuilder) ([]*debtDomain.Debt, error) {
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating list SQL: %w", err)
	}

	debts := []*debtDomain.Debt{}
	err = d.db.Select(&debts, sql, args...)
	if err != nil {
		return nil, newExecError("selecting debts", sql, err, args...)
	}

	return debts, nil
}

func (d *DBStore) CloseDebt(ctx context.Context, id int64) error {
	return d.transitionDebt(ctx, id, debtDomain.StatusClosed)
}

func (d *DBStore) DisputeDebt(ctx context.Context, id int64) error {
	return d.transitionDebt(ctx, id, debtDomain.StatusDisputed)
}

// transitionDebt applies Open -> target as a single conditional update, so
// concurrent transitions of the same row are linearized by the store. Hitting
// the target status again is a no-op success; any other terminal status is
// rejected.
func (d *DBStore) transitionDebt(_ context.Context, id int64, target debtDomain.Status) error {
	update := sq.Update("debts").
		Set("status", target).
		Where("id=? AND status=?", id, debtDomain.StatusOpen)
	if target == debtDomain.StatusClosed {
		update = update.Set("closed_at", time.Now())
	}

	sqlStr, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("generating update SQL: %w", err)
	}

	res, err := d.db.Exec(sqlStr, args...)
	if err != nil {
		return newExecError("transitioning debt", sqlStr, err, args...)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var status debtDomain.Status
	err = d.db.Get(&status, "SELECT status FROM debts WHERE id=?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return &debtDomain.ErrNotFound{ID: id}
	}
	if err != nil {
		return newExecError("selecting debt status", sqlStr, err, id)
	}

	if status == target {
		return nil
	}
	return &debtDomain.ErrInvalidState{ID: id, Status: status}
}

func (d *DBStore) MarkReminderSent(_ context.Context, id int64) error {
	sql, args, err := sq.Update("debts").
		Set("last_reminder", time.Now()).
		Where("id=?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("generating update SQL: %w", err)
	}

	res, err := d.db.Exec(sql, args...)
	if err != nil {
		return newExecError("marking reminder sent", sql, err, args...)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &debtDomain.ErrNotFound{ID: id}
	}

	return nil
}
