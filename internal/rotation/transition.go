package rotation

import (
	"fmt"
	"strings"
	"time"

	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
)

// State is the mutable part of a started chama.
type State struct {
	Round   int
	Cycle   int
	PayDate time.Time
	Order   chamadomain.PayoutOrder
}

// StateOf snapshots a chama and its order. The order is copied.
func StateOf(chama chamadomain.Chama, order chamadomain.PayoutOrder) State {
	var payDate time.Time
	if chama.PayDate != nil {
		payDate = chama.PayDate.UTC()
	}
	return State{
		Round:   chama.Round,
		Cycle:   chama.Cycle,
		PayDate: payDate,
		Order:   order.Clone(),
	}
}

// Wraps reports whether a disbursement at the current round completes the
// rotation. It looks at the round counter, never at paid flags.
func (s State) Wraps() bool {
	return s.Round == len(s.Order)
}

// ApplyDisburse advances the state after recipient received amount.
//
// When the round is the last position every entry is reset and rescheduled
// one full rotation ahead, the cycle increments and the round returns to 1.
// Otherwise the entry at the current round is marked paid. The pay date
// always moves one cycle forward.
func ApplyDisburse(s State, recipient, amount string, cycleDays int) (State, error) {
	n := len(s.Order)
	if s.Round < 1 || s.Round > n {
		return s, chamadomain.DataIntegrityError(chamadomain.OpApplySettle, nil,
			fmt.Errorf("%w: round %d of %d", chamadomain.ErrRoundOutOfRange, s.Round, n))
	}
	due := s.Order[s.Round-1]
	if !strings.EqualFold(due.WalletAddress, recipient) {
		return s, chamadomain.DataIntegrityError(chamadomain.OpApplySettle, nil,
			fmt.Errorf("%w: round %d expects %s, chain paid %s", chamadomain.ErrRecipientOutOfTurn, s.Round, due.WalletAddress, recipient))
	}

	next := State{
		Round:   s.Round,
		Cycle:   s.Cycle,
		PayDate: s.PayDate,
		Order:   s.Order.Clone(),
	}

	if s.Wraps() {
		for i := range next.Order {
			next.Order[i].Paid = false
			next.Order[i].Amount = chamadomain.UnpaidAmount
			next.Order[i].PayDate = addCycles(s.PayDate, i+1, cycleDays)
		}
		next.Cycle = s.Cycle + 1
		next.Round = 1
	} else {
		next.Order[s.Round-1].Paid = true
		next.Order[s.Round-1].Amount = amount
		next.Round = s.Round + 1
	}

	next.PayDate = addCycles(s.PayDate, 1, cycleDays)
	return next, nil
}

// ApplyRefund pushes every unpaid entry and the chama pay date one cycle
// forward. Round, cycle and paid entries are left alone.
func ApplyRefund(s State, cycleDays int) State {
	next := State{
		Round:   s.Round,
		Cycle:   s.Cycle,
		PayDate: addCycles(s.PayDate, 1, cycleDays),
		Order:   s.Order.Clone(),
	}
	for i := range next.Order {
		if next.Order[i].Paid {
			continue
		}
		next.Order[i].PayDate = addCycles(next.Order[i].PayDate, 1, cycleDays)
	}
	return next
}
