package onchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownChama    = errors.New("unknown_onchain_chama")
	ErrNotOrderMember  = errors.New("not_in_payout_order")
	ErrAlreadyJoined   = errors.New("already_joined")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrEmptyPayoutList = errors.New("empty_payout_order")
)

type simChama struct {
	order         []string
	round         int
	members       map[string]struct{}
	contributions map[string]decimal.Decimal
	notDue        bool
}

// SimulatedChain is an in-memory rotation contract. A chama whose every
// ordered member has contributed this round disburses the pool to the
// member at the contract's round pointer; otherwise the round is refunded.
type SimulatedChain struct {
	mu       sync.Mutex
	chamas   map[int64]*simChama
	block    uint64
	failures map[string][]error
	calls    map[string]int
	latency  time.Duration
}

func NewSimulatedChain() *SimulatedChain {
	return &SimulatedChain{
		chamas:   map[int64]*simChama{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

// FailNext makes the next call to method fail with err.
func (c *SimulatedChain) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], err)
}

// SetLatency delays every call; calls give up when ctx is done first.
func (c *SimulatedChain) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// SetNotDue keeps checkPayDate from settling onchainID.
func (c *SimulatedChain) SetNotDue(onchainID int64, notDue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chama(onchainID).notDue = notDue
}

// Calls returns how many times method was invoked, failed calls included.
func (c *SimulatedChain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// PayoutOrder returns the order stored on chain.
func (c *SimulatedChain) PayoutOrder(onchainID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chamas[onchainID]
	if !ok {
		return nil
	}
	return append([]string(nil), ch.order...)
}

// Round returns the zero-based contract round pointer.
func (c *SimulatedChain) Round(onchainID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chamas[onchainID]
	if !ok {
		return 0
	}
	return ch.round
}

func (c *SimulatedChain) SetPayoutOrder(ctx context.Context, onchainID int64, addresses []string) (string, error) {
	if err := c.begin(ctx, MethodSetPayoutOrder); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(addresses) == 0 {
		return "", ErrEmptyPayoutList
	}
	ch := c.chama(onchainID)
	ch.order = normalizeAll(addresses)
	ch.round = 0
	for _, address := range ch.order {
		ch.members[address] = struct{}{}
	}
	return c.mine().TxHash, nil
}

func (c *SimulatedChain) SettleDueChamas(ctx context.Context, onchainIDs []int64) (*Receipt, error) {
	if err := c.begin(ctx, MethodCheckPayDate); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	receipt := c.mine()
	for _, id := range onchainIDs {
		ch, ok := c.chamas[id]
		if !ok || ch.notDue || len(ch.order) == 0 {
			continue
		}

		total := decimal.Zero
		everyone := true
		for _, address := range ch.order {
			amount, paid := ch.contributions[address]
			if !paid {
				everyone = false
				continue
			}
			total = total.Add(amount)
		}

		if everyone {
			recipient := ch.order[ch.round]
			receipt.Events = append(receipt.Events, Event{
				Name:      EventPayoutDisbursed,
				ChamaID:   id,
				Recipient: recipient,
				Amount:    total.String(),
			})
			ch.round = (ch.round + 1) % len(ch.order)
		} else {
			receipt.Events = append(receipt.Events, Event{
				Name:    EventRoundRefunded,
				ChamaID: id,
				Amount:  total.String(),
			})
		}
		ch.contributions = map[string]decimal.Decimal{}
	}
	return receipt, nil
}

func (c *SimulatedChain) DepositOnBehalf(ctx context.Context, onchainID int64, member string, amount string) (string, error) {
	if err := c.begin(ctx, MethodApprove); err != nil {
		return "", err
	}
	if err := c.begin(ctx, MethodDepositForMember); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || !value.IsPositive() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	ch, ok := c.chamas[onchainID]
	if !ok {
		return "", ErrUnknownChama
	}
	member = normalize(member)
	if _, ok := ch.members[member]; !ok {
		return "", ErrNotOrderMember
	}
	ch.contributions[member] = ch.contributions[member].Add(value)

	receipt := c.mine()
	receipt.Events = append(receipt.Events, Event{Name: EventDeposited, ChamaID: onchainID, Member: member, Amount: value.String()})
	return receipt.TxHash, nil
}

func (c *SimulatedChain) JoinPublicChama(ctx context.Context, onchainID int64, member string) (string, error) {
	if err := c.begin(ctx, MethodJoinPublicChama); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.chama(onchainID)
	member = normalize(member)
	if _, ok := ch.members[member]; ok {
		return "", ErrAlreadyJoined
	}
	ch.members[member] = struct{}{}
	return c.mine().TxHash, nil
}

func (c *SimulatedChain) begin(ctx context.Context, method string) error {
	c.mu.Lock()
	c.calls[method]++
	latency := c.latency
	var injected error
	if queue := c.failures[method]; len(queue) > 0 {
		injected = queue[0]
		c.failures[method] = queue[1:]
	}
	c.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return injected
}

// chama must be called with mu held.
func (c *SimulatedChain) chama(onchainID int64) *simChama {
	ch, ok := c.chamas[onchainID]
	if !ok {
		ch = &simChama{
			members:       map[string]struct{}{},
			contributions: map[string]decimal.Decimal{},
		}
		c.chamas[onchainID] = ch
	}
	return ch
}

// mine must be called with mu held.
func (c *SimulatedChain) mine() *Receipt {
	c.block++
	return &Receipt{
		TxHash:      fmt.Sprintf("0x%064x", c.block),
		Status:      ReceiptStatusSuccess,
		BlockNumber: c.block,
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func normalizeAll(addresses []string) []string {
	out := make([]string, len(addresses))
	for i, address := range addresses {
		out[i] = normalize(address)
	}
	return out
}
