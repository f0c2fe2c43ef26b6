// Package onchain drives the custodial rotation contract. Every call
// blocks until the transaction is confirmed or the confirmation timeout
// elapses.
package onchain

import (
	"context"
	"fmt"
	"strings"

	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
)

// Contract methods and events.
const (
	MethodSetPayoutOrder   = "setPayoutOrder"
	MethodCheckPayDate     = "checkPayDate"
	MethodDepositForMember = "depositForMember"
	MethodJoinPublicChama  = "joinPublicChama"
	MethodApprove          = "approve"
	MethodTransfer         = "transfer"

	EventPayoutOrderSet  = "PayoutOrderSet"
	EventPayoutDisbursed = "PayoutDisbursed"
	EventRoundRefunded   = "RoundRefunded"
	EventDeposited       = "Deposited"
	EventMemberJoined    = "MemberJoined"
)

type ReceiptStatus string

const (
	ReceiptStatusSuccess  ReceiptStatus = "success"
	ReceiptStatusReverted ReceiptStatus = "reverted"
)

// Event is a decoded contract log.
type Event struct {
	Name      string `json:"name"`
	ChamaID   int64  `json:"chamaId"`
	Recipient string `json:"recipient,omitempty"`
	Member    string `json:"member,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxHash      string        `json:"txHash"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"blockNumber"`
	Events      []Event       `json:"events"`
}

type SettlementKind string

const (
	SettlementDisburse SettlementKind = "disburse"
	SettlementRefund   SettlementKind = "refund"
)

// Settlement is the contract's decision for one chama in a checkPayDate
// transaction.
type Settlement struct {
	Kind      SettlementKind
	Recipient string
	Amount    string
	TxHash    string
}

// SettlementFor reads the outcome for onchainID from the receipt events.
// A receipt without a matching event means the contract did not settle
// that chama in this transaction.
func (r *Receipt) SettlementFor(onchainID int64) (Settlement, error) {
	if r == nil {
		return Settlement{}, chamadomain.ErrNoSettlementEvent
	}
	for _, event := range r.Events {
		if event.ChamaID != onchainID {
			continue
		}
		switch event.Name {
		case EventPayoutDisbursed:
			return Settlement{
				Kind:      SettlementDisburse,
				Recipient: strings.TrimSpace(event.Recipient),
				Amount:    strings.TrimSpace(event.Amount),
				TxHash:    r.TxHash,
			}, nil
		case EventRoundRefunded:
			return Settlement{Kind: SettlementRefund, TxHash: r.TxHash}, nil
		}
	}
	return Settlement{}, fmt.Errorf("%w: chama %d in tx %s", chamadomain.ErrNoSettlementEvent, onchainID, r.TxHash)
}

// Executor turns rotation operations into confirmed transactions. Gas
// sponsorship and first-use account activation stay behind it.
type Executor interface {
	SetPayoutOrder(ctx context.Context, onchainID int64, addresses []string) (string, error)
	SettleDueChamas(ctx context.Context, onchainIDs []int64) (*Receipt, error)
	DepositOnBehalf(ctx context.Context, onchainID int64, member string, amount string) (string, error)
	JoinPublicChama(ctx context.Context, onchainID int64, member string) (string, error)
}
