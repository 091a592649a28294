package setting

import (
	"context"
	"time"
)

// Known settings keys. Values are stored as strings, last write wins.
const (
	KeyReminderFrequency = "reminder_frequency" // days between reminder runs
	KeyReminderTime      = "reminder_time"      // HH:MM time of day
	KeyOperatorContact   = "operator_contact"
)

const (
	DefaultReminderFrequency = 1
	DefaultReminderTime      = "17:30"
)

type Setting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}
