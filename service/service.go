package service

import (
	"context"
	"log"
	"time"

	"github.com/groupledger/tabbot/debt"
	"github.com/groupledger/tabbot/operation"
	"github.com/groupledger/tabbot/payment"
	"github.com/groupledger/tabbot/session"
	"github.com/groupledger/tabbot/setting"
	"github.com/groupledger/tabbot/user"
)

type EventKind string

const (
	EventDebtCreated      EventKind = "debt_created"
	EventDebtReminder     EventKind = "debt_reminder"
	EventPaymentSubmitted EventKind = "payment_submitted"
	EventPaymentConfirmed EventKind = "payment_confirmed"
	EventPaymentCancelled EventKind = "payment_cancelled"
)

// NotificationPayload carries the facts the transport needs to render one
// outbound message. Display names are resolved at the transport boundary, the
// engine hands out identifiers only.
type NotificationPayload struct {
	DebtID         int64
	PaymentID      int64
	CounterpartyID int64
	Amount         float64
	Description    string
	Reason         string
	ReceiptRef     string
}

// EventNotification is implemented by the chat transport.
type EventNotification interface {
	NotifyUser(ctx context.Context, userID int64, kind EventKind, payload NotificationPayload) error
}

// ReceiptResolver re-anchors a transport file handle so it stays valid when
// forwarded. The engine never looks inside the handle.
type ReceiptResolver interface {
	ResolveReceipt(ctx context.Context, ref string) (string, error)
}

type Config struct {
	DuplicateDebtWindow time.Duration `env:"DUPLICATE_DEBT_WINDOW" envDefault:"5m"`
	OperationTTL        time.Duration `env:"OPERATION_TTL" envDefault:"5m"`
	ReminderCooldown    time.Duration `env:"REMINDER_COOLDOWN" envDefault:"24h"`
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30m"`
	SessionTTL          time.Duration `env:"SESSION_TTL" envDefault:"1h"`
}

type Service struct {
	cfg               Config
	userStore         user.Store
	debtStore         debt.Store
	paymentStore      payment.Store
	operationStore    operation.Store
	settingStore      setting.Store
	sessions          *session.Store
	eventNotification EventNotification
	receiptResolver   ReceiptResolver
}

func New(cfg Config, userStore user.Store, debtStore debt.Store, paymentStore payment.Store,
	operationStore operation.Store, settingStore setting.Store,
	eventNotification EventNotification, receiptResolver ReceiptResolver) *Service {
	return &Service{
		cfg:               cfg,
		userStore:         userStore,
		debtStore:         debtStore,
		paymentStore:      paymentStore,
		operationStore:    operationStore,
		settingStore:      settingStore,
		sessions:          session.NewStore(cfg.SessionTTL),
		eventNotification: eventNotification,
		receiptResolver:   receiptResolver,
	}
}

// informEvent requests an outbound notification, best effort. A failed send
// never fails the ledger mutation that triggered it.
func (h *Service) informEvent(ctx context.Context, userID int64, kind EventKind, payload NotificationPayload) {
	if h.eventNotification == nil {
		return
	}
	if err := h.eventNotification.NotifyUser(ctx, userID, kind, payload); err != nil {
		log.Printf("Error notifying user %d about %s: %v\n", userID, kind, err)
	}
}

// recordOperation leaves the idempotency record behind a successful mutation.
// Guard bookkeeping failures are logged, not surfaced: the mutation itself
// already happened.
func (h *Service) recordOperation(ctx context.Context, hash string, kind operation.Kind, userID int64, payload string, resultID int64) {
	rec := &operation.Processed{
		Hash:      hash,
		Kind:      kind,
		UserID:    userID,
		Payload:   payload,
		ResultID:  resultID,
		ExpiresAt: time.Now().Add(h.cfg.OperationTTL),
	}
	if _, _, err := h.operationStore.RecordIfNew(ctx, rec); err != nil {
		log.Printf("Error recording %s operation for user %d: %v\n", kind, userID, err)
	}
}
