// Package command decodes the callback identifiers the chat transport sends
// back from inline buttons into a closed set of commands, so the rest of the
// engine never string-matches on raw identifiers.
package command

import (
	"errors"
	"fmt"

	"github.com/oriser/regroup"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindNewDebt
	KindMyDebts
	KindAllDebts
	KindSelectUser
	KindPayDebt
	KindConfirmPayment
	KindCancelPayment
	KindSkipDescription
	KindSkipReceipt
	KindCancel
)

var kindStrings = map[Kind]string{
	KindNewDebt:         "new_debt",
	KindMyDebts:         "my_debts",
	KindAllDebts:        "all_debts",
	KindSelectUser:      "select_user",
	KindPayDebt:         "pay_debt",
	KindConfirmPayment:  "confirm_payment",
	KindCancelPayment:   "cancel_payment",
	KindSkipDescription: "skip_description",
	KindSkipReceipt:     "skip_receipt",
	KindCancel:          "cancel",
}

func (k Kind) String() string {
	return kindStrings[k]
}

// Command is one decoded transport callback. ID is set only for the kinds
// carrying an entity id (select_user, pay_debt, confirm/cancel_payment).
type Command struct {
	Kind Kind
	ID   int64
}

// Encode renders the command back to its wire identifier, used when building
// outbound button payloads.
func (c Command) Encode() string {
	switch c.Kind {
	case KindSelectUser, KindPayDebt, KindConfirmPayment, KindCancelPayment:
		return fmt.Sprintf("%s_%d", c.Kind, c.ID)
	default:
		return c.Kind.String()
	}
}

type UnknownError struct {
	Raw string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Raw)
}

var (
	selectUserRe     = regroup.MustCompile(`^select_user_(?P<id>\d+)$`)
	payDebtRe        = regroup.MustCompile(`^pay_debt_(?P<id>\d+)$`)
	confirmPaymentRe = regroup.MustCompile(`^confirm_payment_(?P<id>\d+)$`)
	cancelPaymentRe  = regroup.MustCompile(`^cancel_payment_(?P<id>\d+)$`)
)

var idPatterns = []struct {
	re   *regroup.ReGroup
	kind Kind
}{
	{selectUserRe, KindSelectUser},
	{payDebtRe, KindPayDebt},
	{confirmPaymentRe, KindConfirmPayment},
	{cancelPaymentRe, KindCancelPayment},
}

type idTarget struct {
	ID int64 `regroup:"id"`
}

func Parse(raw string) (Command, error) {
	switch raw {
	case "new_debt":
		return Command{Kind: KindNewDebt}, nil
	case "my_debts":
		return Command{Kind: KindMyDebts}, nil
	case "all_debts":
		return Command{Kind: KindAllDebts}, nil
	case "skip_description":
		return Command{Kind: KindSkipDescription}, nil
	case "skip_receipt":
		return Command{Kind: KindSkipReceipt}, nil
	case "cancel":
		return Command{Kind: KindCancel}, nil
	}

	for _, pattern := range idPatterns {
		target := &idTarget{}
		if err := pattern.re.MatchToTarget(raw, target); err != nil {
			if errors.Is(err, &regroup.NoMatchFoundError{}) {
				continue
			}
			return Command{}, fmt.Errorf("matching command %q: %w", raw, err)
		}
		return Command{Kind: pattern.kind, ID: target.ID}, nil
	}

	return Command{}, &UnknownError{Raw: raw}
}
