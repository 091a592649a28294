package db

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	userDomain "github.com/groupledger/tabbot/user"
)

func (d *DBStore) AddUser(_ context.Context, user *userDomain.User) error {
	if user == nil {
		return fmt.Errorf("nil user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	// Users are created on first contact; a retried insert for a known ID is
	// silently ignored so the original row stays untouched.
	sql, args, err := sq.Insert("users").
		Columns("user_id", "username", "first_name", "last_name", "is_active", "created_at", "activated_at").
		Values(user.ID, user.Username, user.FirstName, user.LastName, user.Active, user.CreatedAt, user.ActivatedAt).
		Suffix("ON CONFLICT (user_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("generating insert SQL: %w", err)
	}

	if _, err = d.db.Exec(sql, args...); err != nil {
		return newExecError("adding user", sql, err, args...)
	}

	return nil
}

func (d *DBStore) GetUser(_ context.Context, id int64) (*userDomain.User, error) {
	sql, args, err := sq.Select("*").From("users").Where("user_id=?", id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}

	var users []*userDomain.User
	err = d.db.Select(&users, sql, args...)
	if err != nil {
		return nil, newExecError("selecting user", sql, err, args...)
	}

	if len(users) > 1 {
		return nil, fmt.Errorf("more than one user found (found %d)", len(users))
	}
	if len(users) == 0 {
		return nil, &userDomain.ErrNotFound{ID: id}
	}

	return users[0], nil
}

func (d *DBStore) ListUsers(_ context.Context, filter userDomain.ListFilter) ([]*userDomain.User, error) {
	baseSql := sq.Select("*").From("users").OrderBy("first_name", "username")

	if filter.ActiveOnly {
		baseSql = baseSql.Where("is_active=?", true)
	}

	sql, args, err := baseSql.ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating list SQL: %w", err)
	}

	users := []*userDomain.User{}
	err = d.db.Select(&users, sql, args...)
	if err != nil {
		return nil, newExecError("selecting users", sql, err, args...)
	}

	return users, nil
}

func (d *DBStore) RenameUser(_ context.Context, id int64, firstName, lastName string) error {
	sql, args, err := sq.Update("users").
		Set("first_name", firstName).
		Set("last_name", lastName).
		Where("user_id=?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("generating update SQL: %w", err)
	}

	res, err := d.db.Exec(sql, args...)
	if err != nil {
		return newExecError("renaming user", sql, err, args...)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &userDomain.ErrNotFound{ID: id}
	}

	return nil
}

func (d *DBStore) SetUserActive(_ context.Context, id int64, active bool) error {
	update := sq.Update("users").Set("is_active", active).Where("user_id=?", id)
	if active {
		update = update.Set("activated_at", time.Now())
	}

	sql, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("generating update SQL: %w", err)
	}

	res, err := d.db.Exec(sql, args...)
	if err != nil {
		return newExecError("setting user active flag", sql, err, args...)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &userDomain.ErrNotFound{ID: id}
	}

	return nil
}

// DeleteUserCascade removes the user together with every ledger record citing
// it. The whole cascade runs in one transaction: payments, debts, idempotency
// records, then the user row.
func (d *DBStore) DeleteUserCascade(ctx context.Context, id int64) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deletes := []sq.DeleteBuilder{
		sq.Delete("payments").Where("debtor_id=? OR creditor_id=?", id, id),
		sq.Delete("debts").Where("debtor_id=? OR creditor_id=?", id, id),
		sq.Delete("processed_operations").Where("user_id=?", id),
		sq.Delete("users").Where("user_id=?", id),
	}

	for _, del := range deletes {
		sql, args, err := del.ToSql()
		if err != nil {
			return fmt.Errorf("generating delete SQL: %w", err)
		}
		if _, err = tx.Exec(sql, args...); err != nil {
			return newExecError("cascade deleting user", sql, err, args...)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cascade delete: %w", err)
	}
	return nil
}
