package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	debtDomain "github.com/groupledger/tabbot/debt"
	paymentDomain "github.com/groupledger/tabbot/payment"
	storagedb "github.com/groupledger/tabbot/storage/db"
)

const (
	testCreditorID int64 = 7
	testDebtorID   int64 = 9
	testBystander  int64 = 11
)

type notifiedEvent struct {
	UserID  int64
	Kind    EventKind
	Payload NotificationPayload
}

// fakeNotifier records outbound notifications and can be told to fail for
// specific users, to exercise the best-effort delivery paths.
type fakeNotifier struct {
	lock    sync.Mutex
	events  []notifiedEvent
	failFor map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failFor: make(map[int64]bool)}
}

func (f *fakeNotifier) NotifyUser(_ context.Context, userID int64, kind EventKind, payload NotificationPayload) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failFor[userID] {
		return fmt.Errorf("delivery to user %d failed", userID)
	}
	f.events = append(f.events, notifiedEvent{UserID: userID, Kind: kind, Payload: payload})
	return nil
}

func (f *fakeNotifier) FailFor(userID int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failFor[userID] = true
}

func (f *fakeNotifier) Events(kind EventKind) []notifiedEvent {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []notifiedEvent
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type serviceTest struct {
	service  *Service
	store    *storagedb.DBStore
	notifier *fakeNotifier
}

func newServiceTest(t *testing.T) *serviceTest {
	sqlDB, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	// A second pool connection would see a different in-memory database.
	sqlDB.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(sqlDB.DB, &sqlite3.Config{})
	require.NoError(t, err)

	store, err := storagedb.New(sqlDB, driver, "")
	require.NoError(t, err)

	notifier := newFakeNotifier()
	cfg := Config{
		DuplicateDebtWindow: 5 * time.Minute,
		OperationTTL:        5 * time.Minute,
		ReminderCooldown:    24 * time.Hour,
		CleanupInterval:     30 * time.Minute,
		SessionTTL:          time.Hour,
	}
	svc := New(cfg, store, store, store, store, store, notifier, nil)

	ctx := context.Background()
	require.NoError(t, svc.CreateUser(ctx, testCreditorID, "maya", "Maya", "Levi"))
	require.NoError(t, svc.CreateUser(ctx, testDebtorID, "daniel", "Daniel", "Cohen"))
	require.NoError(t, svc.CreateUser(ctx, testBystander, "noa", "Noa", "Mizrahi"))

	return &serviceTest{service: svc, store: store, notifier: notifier}
}

func (s *serviceTest) createOpenDebt(t *testing.T, amount float64, description string) int64 {
	res, err := s.service.CreateDebt(context.Background(), testCreditorID, CreateDebtRequest{
		DebtorID:    testDebtorID,
		CreditorID:  testCreditorID,
		Amount:      amount,
		Description: description,
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	return res.DebtID
}

func TestCreateDebtValidation(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()

	var validationErr *debtDomain.ValidationError

	_, err := s.service.CreateDebt(ctx, testCreditorID, CreateDebtRequest{
		DebtorID: testDebtorID, CreditorID: testCreditorID, Amount: 0,
	})
	require.ErrorAs(t, err, &validationErr)

	_, err = s.service.CreateDebt(ctx, testCreditorID, CreateDebtRequest{
		DebtorID: testDebtorID, CreditorID: testCreditorID, Amount: -4,
	})
	require.ErrorAs(t, err, &validationErr)

	_, err = s.service.CreateDebt(ctx, testCreditorID, CreateDebtRequest{
		DebtorID: testCreditorID, CreditorID: testCreditorID, Amount: 10,
	})
	require.ErrorAs(t, err, &validationErr)

	debts, err := s.service.ListOpenDebts(ctx)
	require.NoError(t, err)
	assert.Empty(t, debts)
}

func TestCreateDebtDuplicateSuppressed(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()

	req := CreateDebtRequest{
		DebtorID: testDebtorID, CreditorID: testCreditorID, Amount: 12.5, Description: "lunch",
	}

	first, err := s.service.CreateDebt(ctx, testCreditorID, req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := s.service.CreateDebt(ctx, testCreditorID, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DebtID, second.DebtID)

	debts, err := s.service.ListOpenDebts(ctx)
	require.NoError(t, err)
	require.Len(t, debts, 1)

	// The suppressed resubmission must not re-notify the debtor.
	assert.Len(t, s.notifier.Events(EventDebtCreated), 1)
}

func TestCreateDebtNotifiesDebtor(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)

	debtID := s.createOpenDebt(t, 40, "groceries")

	events := s.notifier.Events(EventDebtCreated)
	require.Len(t, events, 1)
	assert.Equal(t, testDebtorID, events[0].UserID)
	assert.Equal(t, debtID, events[0].Payload.DebtID)
	assert.Equal(t, testCreditorID, events[0].Payload.CounterpartyID)
	assert.Equal(t, 40.0, events[0].Payload.Amount)
}

func TestCreateDebtSurvivesNotifierFailure(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	s.notifier.FailFor(testDebtorID)

	debtID := s.createOpenDebt(t, 15, "coffee")

	d, err := s.service.GetDebt(context.Background(), debtID)
	require.NoError(t, err)
	assert.Equal(t, debtDomain.StatusOpen, d.Status)
}

func TestCreatePaymentDuplicateSuppressed(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()
	debtID := s.createOpenDebt(t, 12.5, "lunch")

	first, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "receipt-1")
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "receipt-2")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.PaymentID, second.PaymentID)

	assert.Len(t, s.notifier.Events(EventPaymentSubmitted), 1)
}

func TestCreatePaymentOnlyByDebtor(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	debtID := s.createOpenDebt(t, 12.5, "lunch")

	var invalidState *paymentDomain.ErrInvalidState
	_, err := s.service.CreatePayment(context.Background(), testBystander, debtID, "")
	require.ErrorAs(t, err, &invalidState)
}

func TestCreatePaymentMissingDebt(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)

	var notFound *debtDomain.ErrNotFound
	_, err := s.service.CreatePayment(context.Background(), testDebtorID, 424242, "")
	require.ErrorAs(t, err, &notFound)
}

func TestConfirmPaymentClosesDebt(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()
	debtID := s.createOpenDebt(t, 12.5, "lunch")

	created, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "receipt-1")
	require.NoError(t, err)

	res, err := s.service.ConfirmPayment(ctx, testCreditorID, created.PaymentID)
	require.NoError(t, err)
	assert.False(t, res.Idempotent)

	d, err := s.service.GetDebt(ctx, debtID)
	require.NoError(t, err)
	assert.Equal(t, debtDomain.StatusClosed, d.Status)
	require.NotNil(t, d.ClosedAt)

	p, err := s.service.GetPayment(ctx, created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, paymentDomain.StatusConfirmed, p.Status)

	events := s.notifier.Events(EventPaymentConfirmed)
	require.Len(t, events, 1)
	assert.Equal(t, testDebtorID, events[0].UserID)

	// Re-confirming is an idempotent success with no second notification.
	again, err := s.service.ConfirmPayment(ctx, testCreditorID, created.PaymentID)
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.Len(t, s.notifier.Events(EventPaymentConfirmed), 1)
}

func TestConfirmPaymentOnlyByCreditor(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()
	debtID := s.createOpenDebt(t, 12.5, "lunch")

	created, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "")
	require.NoError(t, err)

	var invalidState *paymentDomain.ErrInvalidState
	_, err = s.service.ConfirmPayment(ctx, testDebtorID, created.PaymentID)
	require.ErrorAs(t, err, &invalidState)

	d, err := s.service.GetDebt(ctx, debtID)
	require.NoError(t, err)
	assert.Equal(t, debtDomain.StatusOpen, d.Status)
}

func TestCancelPaymentRequiresReason(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()
	debtID := s.createOpenDebt(t, 12.5, "lunch")

	created, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "")
	require.NoError(t, err)

	var validationErr *paymentDomain.ValidationError
	_, err = s.service.CancelPayment(ctx, testCreditorID, created.PaymentID, "   ")
	require.ErrorAs(t, err, &validationErr)

	p, err := s.service.GetPayment(ctx, created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, paymentDomain.StatusPending, p.Status)
}

func TestCancelPaymentLeavesDebtOpen(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()
	debtID := s.createOpenDebt(t, 12.5, "lunch")

	created, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "blurry-receipt")
	require.NoError(t, err)

	res, err := s.service.CancelPayment(ctx, testCreditorID, created.PaymentID, "receipt unreadable")
	require.NoError(t, err)
	assert.False(t, res.Idempotent)

	p, err := s.service.GetPayment(ctx, created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, paymentDomain.StatusCancelled, p.Status)
	assert.Equal(t, "receipt unreadable", p.CancelReason)

	d, err := s.service.GetDebt(ctx, debtID)
	require.NoError(t, err)
	assert.Equal(t, debtDomain.StatusOpen, d.Status)

	events := s.notifier.Events(EventPaymentCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, testDebtorID, events[0].UserID)
	assert.Equal(t, "receipt unreadable", events[0].Payload.Reason)

	// The debtor can submit a fresh payment after the rejection.
	resubmitted, err := s.service.CreatePayment(ctx, testDebtorID, debtID, "better-receipt")
	require.NoError(t, err)
	assert.False(t, resubmitted.Duplicate)
	assert.NotEqual(t, created.PaymentID, resubmitted.PaymentID)
}

func TestDeleteUserCascadeClearsConversation(t *testing.T) {
	t.Parallel()
	s := newServiceTest(t)
	ctx := context.Background()

	s.createOpenDebt(t, 12.5, "lunch")
	s.service.StartDebtConversation(ctx, testDebtorID)

	require.NoError(t, s.service.DeleteUserCascade(ctx, testDebtorID))

	debts, err := s.service.ListOpenDebts(ctx)
	require.NoError(t, err)
	assert.Empty(t, debts)

	_, err = s.service.HandleConversationInput(ctx, testDebtorID, "Maya")
	assert.True(t, errors.Is(err, ErrNoActiveConversation))
}
