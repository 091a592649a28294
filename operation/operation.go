package operation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindCreateDebt     Kind = "create_debt"
	KindCreatePayment  Kind = "create_payment"
	KindConfirmPayment Kind = "confirm_payment"
	KindCancelPayment  Kind = "cancel_payment"
)

// Processed is the idempotency record left behind by a mutating operation.
// A later attempt with the same fingerprint returns ResultID instead of
// executing again.
type Processed struct {
	Hash      string    `db:"operation_hash"`
	Kind      Kind      `db:"operation_type"`
	UserID    int64     `db:"user_id"`
	Payload   string    `db:"operation_data"`
	ResultID  int64     `db:"result_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Fingerprint computes the deterministic identity of an operation: a SHA-256
// over the kind, acting user and parameters serialized with sorted keys, so
// parameter order never changes the result.
func Fingerprint(kind Kind, userID int64, params map[string]interface{}) (string, error) {
	hashData := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		hashData[k] = v
	}
	hashData["operation_type"] = string(kind)
	hashData["user_id"] = userID

	raw, err := json.Marshal(hashData)
	if err != nil {
		return "", fmt.Errorf("marshaling operation params: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type Store interface {
	// RecordIfNew inserts the record if no row with the same fingerprint
	// exists. On conflict the first writer wins: the stored result id is
	// returned with existed=true and the record's TTL is refreshed.
	RecordIfNew(ctx context.Context, rec *Processed) (resultID int64, existed bool, err error)
	// IsProcessed looks up a non-expired record for the fingerprint.
	IsProcessed(ctx context.Context, hash string) (resultID int64, ok bool, err error)
	// CleanupExpired purges records whose expiry has passed and returns how
	// many were removed.
	CleanupExpired(ctx context.Context) (int64, error)
}
