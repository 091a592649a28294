package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	operationDomain "github.com/groupledger/tabbot/operation"
)

func (d *DBStore) RecordIfNew(_ context.Context, rec *operationDomain.Processed) (int64, bool, error) {
	if rec == nil {
		return 0, false, fmt.Errorf("nil operation record")
	}
	rec.CreatedAt = time.Now()

	sqlStr, args, err := sq.Insert("processed_operations").
		Columns("operation_hash", "operation_type", "user_id", "operation_data", "result_id", "created_at", "expires_at").
		Values(rec.Hash, rec.Kind, rec.UserID, rec.Payload, rec.ResultID, rec.CreatedAt, rec.ExpiresAt).
		Suffix("ON CONFLICT (operation_hash) DO NOTHING").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("generating insert SQL: %w", err)
	}

	res, err := d.db.Exec(sqlStr, args...)
	if err != nil {
		return 0, false, newExecError("recording operation", sqlStr, err, args...)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return rec.ResultID, false, nil
	}

	// Lost the race (or a stale record lingers): the first writer's result
	// stands, its TTL gets refreshed.
	var resultID int64
	if err := d.db.Get(&resultID, "SELECT result_id FROM processed_operations WHERE operation_hash=?", rec.Hash); err != nil {
		return 0, false, fmt.Errorf("selecting recorded result: %w", err)
	}

	updateSQL, updateArgs, err := sq.Update("processed_operations").
		Set("expires_at", rec.ExpiresAt).
		Where("operation_hash=?", rec.Hash).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("generating update SQL: %w", err)
	}
	if _, err := d.db.Exec(updateSQL, updateArgs...); err != nil {
		return 0, false, newExecError("refreshing operation TTL", updateSQL, err, updateArgs...)
	}

	return resultID, true, nil
}

func (d *DBStore) IsProcessed(_ context.Context, hash string) (int64, bool, error) {
	sqlStr, args, err := sq.Select("result_id").From("processed_operations").
		Where("operation_hash=?", hash).
		Where("expires_at > ?", time.Now()).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("generating select SQL: %w", err)
	}

	var resultID int64
	err = d.db.Get(&resultID, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newExecError("selecting processed operation", sqlStr, err, args...)
	}

	return resultID, true, nil
}

func (d *DBStore) CleanupExpired(_ context.Context) (int64, error) {
	sqlStr, args, err := sq.Delete("processed_operations").
		Where("expires_at <= ?", time.Now()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("generating delete SQL: %w", err)
	}

	res, err := d.db.Exec(sqlStr, args...)
	if err != nil {
		return 0, newExecError("deleting expired operations", sqlStr, err, args...)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}
