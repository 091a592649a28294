package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/groupledger/tabbot/command"
	paymentDomain "github.com/groupledger/tabbot/payment"
	"github.com/groupledger/tabbot/session"
	userDomain "github.com/groupledger/tabbot/user"
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

const (
	fuzzyLimit        = 5
	fuzzyMinimumScore = 75
)

var ErrNoActiveConversation = errors.New("no active conversation")

type StepKind int

const (
	StepNone StepKind = iota
	StepSelectCounterparty
	StepRetryCounterparty
	StepEnterAmount
	StepRetryAmount
	StepEnterDescription
	StepAwaitReceipt
	StepEnterCancelReason
	StepDebtCreated
	StepPaymentSubmitted
	StepPaymentConfirmed
	StepPaymentCancelled
	StepConversationCancelled
	StepShowMyDebts
	StepShowAllDebts
)

// Step tells the transport what to render next: a prompt for the following
// input, or the outcome of a finalized flow.
type Step struct {
	Kind           StepKind
	CounterpartyID int64
	DebtID         int64
	PaymentID      int64
	Duplicate      bool
	Idempotent     bool
}

// StartDebtConversation opens the debt-creation flow for the creditor. Any
// session already active for the user is replaced.
func (h *Service) StartDebtConversation(_ context.Context, userID int64) Step {
	h.sessions.Start(userID, session.FlowCreateDebt, session.StateSelectingCounterparty)
	return Step{Kind: StepSelectCounterparty}
}

// StartPaymentConversation opens the payment-submission flow for the debtor
// of the given debt.
func (h *Service) StartPaymentConversation(ctx context.Context, userID, debtID int64) (Step, error) {
	d, err := h.debtStore.GetDebt(ctx, debtID)
	if err != nil {
		return Step{}, err
	}
	if d.DebtorID != userID {
		return Step{}, &paymentDomain.ErrInvalidState{Reason: fmt.Sprintf("user %d is not the debtor of debt %d", userID, debtID)}
	}

	sess := h.sessions.Start(userID, session.FlowSubmitPayment, session.StateAwaitingReceipt)
	sess.Data.DebtID = debtID
	h.sessions.Put(sess)

	return Step{Kind: StepAwaitReceipt, DebtID: debtID}, nil
}

// StartCancelConversation opens the short flow collecting the creditor's
// rejection reason for a pending payment.
func (h *Service) StartCancelConversation(ctx context.Context, userID, paymentID int64) (Step, error) {
	p, err := h.paymentStore.GetPayment(ctx, paymentID)
	if err != nil {
		return Step{}, err
	}
	if p.CreditorID != userID {
		return Step{}, &paymentDomain.ErrInvalidState{ID: paymentID, Reason: fmt.Sprintf("user %d is not the creditor", userID)}
	}

	sess := h.sessions.Start(userID, session.FlowCancelPayment, session.StateEnteringCancelReason)
	sess.Data.PaymentID = paymentID
	h.sessions.Put(sess)

	return Step{Kind: StepEnterCancelReason, PaymentID: paymentID}, nil
}

// CancelConversation discards the accumulated record without any ledger side
// effect. Safe to call with no session active.
func (h *Service) CancelConversation(userID int64) Step {
	h.sessions.Clear(userID)
	return Step{Kind: StepConversationCancelled}
}

// HandleConversationInput advances the user's session with one free-text
// answer. Invalid input re-prompts without changing state.
func (h *Service) HandleConversationInput(ctx context.Context, userID int64, text string) (Step, error) {
	sess, ok := h.sessions.Get(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}

	text = strings.TrimSpace(text)

	switch sess.State {
	case session.StateSelectingCounterparty:
		return h.handleCounterpartyInput(ctx, sess, text)
	case session.StateEnteringAmount:
		return h.handleAmountInput(sess, text)
	case session.StateEnteringDescription:
		sess.Data.Description = text
		sess.State = session.StateAwaitingReceipt
		h.sessions.Put(sess)
		return Step{Kind: StepAwaitReceipt}, nil
	case session.StateEnteringCancelReason:
		if text == "" {
			return Step{Kind: StepEnterCancelReason, PaymentID: sess.Data.PaymentID}, nil
		}
		return h.finalizeCancelPayment(ctx, sess.UserID, text)
	case session.StateAwaitingReceipt:
		// Text while a receipt is expected: re-prompt, keep state.
		return Step{Kind: StepAwaitReceipt, DebtID: sess.Data.DebtID}, nil
	default:
		return Step{}, fmt.Errorf("conversation for user %d in unexpected state %d", userID, sess.State)
	}
}

// HandleConversationReceipt feeds a receipt file handle into the active flow
// and finalizes it.
func (h *Service) HandleConversationReceipt(ctx context.Context, userID int64, receiptRef string) (Step, error) {
	sess, ok := h.sessions.Get(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}
	if sess.State != session.StateAwaitingReceipt {
		return Step{}, fmt.Errorf("conversation for user %d is not awaiting a receipt", userID)
	}

	sess.Data.ReceiptRef = receiptRef
	h.sessions.Put(sess)
	return h.finalize(ctx, userID)
}

// HandleCommand dispatches one decoded transport callback. The command set is
// closed, the switch is exhaustive.
func (h *Service) HandleCommand(ctx context.Context, userID int64, cmd command.Command) (Step, error) {
	switch cmd.Kind {
	case command.KindNewDebt:
		return h.StartDebtConversation(ctx, userID), nil
	case command.KindPayDebt:
		return h.StartPaymentConversation(ctx, userID, cmd.ID)
	case command.KindConfirmPayment:
		res, err := h.ConfirmPayment(ctx, userID, cmd.ID)
		if err != nil {
			return Step{}, err
		}
		return Step{Kind: StepPaymentConfirmed, PaymentID: res.PaymentID, Idempotent: res.Idempotent}, nil
	case command.KindCancelPayment:
		return h.StartCancelConversation(ctx, userID, cmd.ID)
	case command.KindSelectUser:
		return h.handleCounterpartySelected(ctx, userID, cmd.ID)
	case command.KindSkipDescription:
		return h.handleSkipDescription(userID)
	case command.KindSkipReceipt:
		return h.handleSkipReceipt(ctx, userID)
	case command.KindCancel:
		return h.CancelConversation(userID), nil
	case command.KindMyDebts:
		return Step{Kind: StepShowMyDebts}, nil
	case command.KindAllDebts:
		return Step{Kind: StepShowAllDebts}, nil
	default:
		return Step{}, &command.UnknownError{Raw: cmd.Encode()}
	}
}

func (h *Service) handleCounterpartySelected(ctx context.Context, userID, counterpartyID int64) (Step, error) {
	sess, ok := h.sessions.Get(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}
	if sess.State != session.StateSelectingCounterparty {
		return Step{}, fmt.Errorf("conversation for user %d is not selecting a counterparty", userID)
	}

	counterparty, err := h.userStore.GetUser(ctx, counterpartyID)
	if err != nil {
		return Step{}, err
	}
	if counterparty.ID == userID {
		return Step{Kind: StepRetryCounterparty}, nil
	}

	sess.Data.CounterpartyID = counterparty.ID
	sess.State = session.StateEnteringAmount
	h.sessions.Put(sess)
	return Step{Kind: StepEnterAmount, CounterpartyID: counterparty.ID}, nil
}

func (h *Service) handleCounterpartyInput(ctx context.Context, sess session.Session, text string) (Step, error) {
	match, err := h.resolveCounterparty(ctx, sess.UserID, text)
	if err != nil {
		return Step{}, err
	}
	if match == nil {
		return Step{Kind: StepRetryCounterparty}, nil
	}

	sess.Data.CounterpartyID = match.ID
	sess.State = session.StateEnteringAmount
	h.sessions.Put(sess)
	return Step{Kind: StepEnterAmount, CounterpartyID: match.ID}, nil
}

func (h *Service) handleAmountInput(sess session.Session, text string) (Step, error) {
	amount, err := strconv.ParseFloat(strings.Replace(text, ",", ".", 1), 64)
	if err != nil || amount <= 0 {
		return Step{Kind: StepRetryAmount}, nil
	}

	sess.Data.Amount = amount
	sess.State = session.StateEnteringDescription
	h.sessions.Put(sess)
	return Step{Kind: StepEnterDescription}, nil
}

func (h *Service) handleSkipDescription(userID int64) (Step, error) {
	sess, ok := h.sessions.Get(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}
	if sess.State != session.StateEnteringDescription {
		return Step{}, fmt.Errorf("conversation for user %d is not entering a description", userID)
	}

	sess.State = session.StateAwaitingReceipt
	h.sessions.Put(sess)
	return Step{Kind: StepAwaitReceipt}, nil
}

func (h *Service) handleSkipReceipt(ctx context.Context, userID int64) (Step, error) {
	sess, ok := h.sessions.Get(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}
	if sess.State != session.StateAwaitingReceipt {
		return Step{}, fmt.Errorf("conversation for user %d is not awaiting a receipt", userID)
	}
	return h.finalize(ctx, userID)
}

// finalize pops the session first: if the triggering event is redelivered
// there is no session left and the create runs at most once. The content-hash
// guard inside CreateDebt/CreatePayment backstops retries beyond that.
func (h *Service) finalize(ctx context.Context, userID int64) (Step, error) {
	sess, ok := h.sessions.Pop(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}

	switch sess.Flow {
	case session.FlowCreateDebt:
		res, err := h.CreateDebt(ctx, userID, CreateDebtRequest{
			DebtorID:    sess.Data.CounterpartyID,
			CreditorID:  userID,
			Amount:      sess.Data.Amount,
			Description: sess.Data.Description,
			ReceiptRef:  sess.Data.ReceiptRef,
		})
		if err != nil {
			return Step{}, err
		}
		return Step{Kind: StepDebtCreated, DebtID: res.DebtID, Duplicate: res.Duplicate}, nil
	case session.FlowSubmitPayment:
		res, err := h.CreatePayment(ctx, userID, sess.Data.DebtID, sess.Data.ReceiptRef)
		if err != nil {
			return Step{}, err
		}
		return Step{Kind: StepPaymentSubmitted, DebtID: sess.Data.DebtID, PaymentID: res.PaymentID, Duplicate: res.Duplicate}, nil
	default:
		return Step{}, fmt.Errorf("finalize called for unexpected flow %d", sess.Flow)
	}
}

func (h *Service) finalizeCancelPayment(ctx context.Context, userID int64, reason string) (Step, error) {
	sess, ok := h.sessions.Pop(userID)
	if !ok {
		return Step{}, ErrNoActiveConversation
	}

	res, err := h.CancelPayment(ctx, userID, sess.Data.PaymentID, reason)
	if err != nil {
		return Step{}, err
	}
	return Step{Kind: StepPaymentCancelled, PaymentID: res.PaymentID, Idempotent: res.Idempotent}, nil
}

// resolveCounterparty fuzzy-matches free text against the active users,
// excluding the author. Returns nil when nothing scores high enough.
func (h *Service) resolveCounterparty(ctx context.Context, actorID int64, text string) (*userDomain.User, error) {
	users, err := h.userStore.ListUsers(ctx, userDomain.ListFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	searchedValues := make([]string, 0, len(users)*3)
	searchedValueToUser := make(map[string]*userDomain.User, len(users)*3)
	for _, u := range users {
		if u.ID == actorID {
			continue
		}
		candidates := []string{
			strings.TrimSpace(u.FirstName + " " + u.LastName),
			u.FirstName,
			u.Username,
		}
		for _, name := range candidates {
			if name == "" {
				continue
			}
			if _, exists := searchedValueToUser[name]; exists {
				continue
			}
			searchedValues = append(searchedValues, name)
			searchedValueToUser[name] = u
		}
	}
	if len(searchedValues) == 0 {
		return nil, nil
	}

	findings, err := fuzzy.Extract(text, searchedValues, fuzzyLimit, fuzzyMinimumScore, fuzzy.UQRatio)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search: %w", err)
	}

	var best *userDomain.User
	bestScore := -1
	for _, finding := range findings {
		matched, ok := searchedValueToUser[finding.Match]
		if !ok {
			return nil, fmt.Errorf("fuzzy match %q has no backing user", finding.Match)
		}
		if finding.Score > bestScore {
			best = matched
			bestScore = finding.Score
		}
	}

	return best, nil
}
