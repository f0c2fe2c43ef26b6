// Package rotation holds the pure payout-order rules: building a random
// order when a chama starts and advancing it after each settlement.
// Nothing here touches storage or the chain.
package rotation

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
)

// MinMembers is the smallest group that can rotate.
const MinMembers = 2

// Builder produces payout orders. The zero value is not usable; call
// NewBuilder.
type Builder struct {
	shuffle func(n int, swap func(i, j int))
}

// NewBuilder returns a builder backed by the auto-seeded global source.
func NewBuilder() *Builder {
	return &Builder{shuffle: rand.Shuffle}
}

// NewBuilderWithRand uses r for shuffling. Tests use it to pin an order.
func NewBuilderWithRand(r *rand.Rand) *Builder {
	return &Builder{shuffle: r.Shuffle}
}

// Build shuffles addresses into a payout order. Entry i is due at
// base + i*cycleDays days and starts unpaid.
func (b *Builder) Build(addresses []string, base time.Time, cycleDays int) (chamadomain.PayoutOrder, error) {
	if len(addresses) < MinMembers {
		return nil, chamadomain.ConfigurationError(chamadomain.OpBuildOrder, nil,
			fmt.Errorf("%w: have %d, need %d", chamadomain.ErrNotEnoughMembers, len(addresses), MinMembers))
	}
	if cycleDays < 1 {
		return nil, chamadomain.ConfigurationError(chamadomain.OpBuildOrder, nil,
			fmt.Errorf("%w: %d", chamadomain.ErrInvalidCycleLength, cycleDays))
	}

	seen := make(map[string]struct{}, len(addresses))
	shuffled := make([]string, len(addresses))
	for i, address := range addresses {
		address = strings.TrimSpace(address)
		if address == "" {
			return nil, chamadomain.ConfigurationError(chamadomain.OpBuildOrder, nil, chamadomain.ErrInvalidWalletAddress)
		}
		key := strings.ToLower(address)
		if _, dup := seen[key]; dup {
			return nil, chamadomain.ConfigurationError(chamadomain.OpBuildOrder, nil,
				fmt.Errorf("%w: duplicate address %s", chamadomain.ErrInvalidWalletAddress, address))
		}
		seen[key] = struct{}{}
		shuffled[i] = address
	}

	b.shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	base = base.UTC()
	order := make(chamadomain.PayoutOrder, len(shuffled))
	for i, address := range shuffled {
		order[i] = chamadomain.PayoutOrderEntry{
			Position:      i + 1,
			WalletAddress: address,
			PayDate:       addCycles(base, i, cycleDays),
			Amount:        chamadomain.UnpaidAmount,
			Paid:          false,
		}
	}
	return order, nil
}

func addCycles(t time.Time, n, cycleDays int) time.Time {
	return t.AddDate(0, 0, n*cycleDays)
}
