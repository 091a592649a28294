package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (d *DBStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	sqlStr, args, err := sq.Select("value").From("settings").Where("key=?", key).ToSql()
	if err != nil {
		return "", false, fmt.Errorf("generating select SQL: %w", err)
	}

	var value string
	err = d.db.Get(&value, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newExecError("selecting setting", sqlStr, err, args...)
	}

	return value, true, nil
}

func (d *DBStore) SetSetting(_ context.Context, key, value string) error {
	sqlStr, args, err := sq.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, value, time.Now()).
		Suffix("ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("generating upsert SQL: %w", err)
	}

	if _, err = d.db.Exec(sqlStr, args...); err != nil {
		return newExecError("upserting setting", sqlStr, err, args...)
	}

	return nil
}
