package payoutcycle

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chama/internal/chama/chamatest"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/lifecycle"
	"github.com/smallbiznis/chama/internal/notification"
	"github.com/smallbiznis/chama/internal/notification/notificationtest"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/smallbiznis/chama/internal/rotation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var today = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	processor *Processor
	starter   *lifecycle.Starter
	fixture   *chamatest.Fixture
	chain     *onchain.SimulatedChain
	clock     *clock.FakeClock
	notifier  *notificationtest.Recorder
}

type envOptions struct {
	repo     func(chamadomain.Repository) chamadomain.Repository
	executor onchain.Executor
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	db := chamatest.OpenDB(t)
	fixture := chamatest.NewFixture(t, db)
	clk := clock.NewFakeClock(today.Add(9 * time.Hour))
	chain := onchain.NewSimulatedChain()
	notifier := &notificationtest.Recorder{}
	rotationConfig := config.NewStaticRotationConfig(config.DefaultRotationConfig())

	repo := fixture.Repo
	if opts.repo != nil {
		repo = opts.repo(fixture.Repo)
	}
	var executor onchain.Executor = chain
	if opts.executor != nil {
		executor = opts.executor
	}

	starter := lifecycle.NewStarter(lifecycle.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    fixture.GenID,
		Clock:    clk,
		Repo:     fixture.Repo,
		Executor: chain,
		Notifier: &notificationtest.Recorder{},
		Rotation: rotationConfig,
		Builder:  rotation.NewBuilderWithRand(rand.New(rand.NewPCG(3, 5))),
	})
	processor := NewProcessor(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    fixture.GenID,
		Clock:    clk,
		Repo:     repo,
		Executor: executor,
		Notifier: notifier,
		Rotation: rotationConfig,
	})
	return &env{processor: processor, starter: starter, fixture: fixture, chain: chain, clock: clk, notifier: notifier}
}

// startedChama seeds and starts a chama so the simulated contract holds the
// same payout order as the store.
func (e *env) startedChama(t *testing.T, addresses ...string) (*chamadomain.Chama, chamadomain.PayoutOrder) {
	t.Helper()
	chama, _ := e.fixture.Chama(chamatest.ChamaOptions{Name: "Harambee", StartDate: today, CycleDays: 7}, addresses...)
	result, err := e.starter.Start(context.Background(), chama.ID)
	require.NoError(t, err)
	require.True(t, result.Started)
	return e.fixture.Reload(chama.ID), e.fixture.Order(chama.ID)
}

func (e *env) contribute(t *testing.T, chama *chamadomain.Chama, addresses ...string) {
	t.Helper()
	for _, address := range addresses {
		_, err := e.chain.DepositOnBehalf(context.Background(), chama.OnchainID, address, chama.ContributionAmount)
		require.NoError(t, err)
	}
}

func TestProcessDisbursesToCurrentRound(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb", "0xccc")
	e.contribute(t, chama, order.Addresses()...)

	result, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	require.True(t, result.Settled())
	assert.Equal(t, onchain.SettlementDisburse, result.Kind)
	assert.Equal(t, order[0].WalletAddress, result.Recipient)
	assert.Equal(t, "300", result.Amount)

	stored := e.fixture.Reload(chama.ID)
	assert.Equal(t, 2, stored.Round)
	assert.Equal(t, 1, stored.Cycle)
	require.NotNil(t, stored.PayDate)
	assert.True(t, stored.PayDate.Equal(today.AddDate(0, 0, 7)))

	payouts, err := e.fixture.Repo.ListPayouts(context.Background(), e.fixture.DB, chama.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, 1, payouts[0].Round)
	assert.Equal(t, 1, payouts[0].Cycle)
	assert.Equal(t, result.TxHash, payouts[0].TxHash)

	recipient := e.fixture.User(order[0].WalletAddress)
	received := e.notifier.ByCategory(notification.CategoryPayoutReceived)
	require.Len(t, received, 1)
	assert.Equal(t, recipient.ID, received[0].UserID)
	assert.Contains(t, received[0].Message, "300")

	completed := e.notifier.ByCategory(notification.CategoryPayoutCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].All)
	assert.Equal(t, recipient.ID, completed[0].Exclude)
	assert.Contains(t, completed[0].Message, recipient.DisplayName)
}

func TestProcessSecondRoundMarksOnlyThatEntry(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb", "0xccc")

	e.contribute(t, chama, order.Addresses()...)
	_, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	before := e.fixture.Order(chama.ID)

	e.clock.AdvanceDays(7)
	e.contribute(t, chama, order.Addresses()...)
	result, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	assert.Equal(t, order[1].WalletAddress, result.Recipient)

	stored := e.fixture.Reload(chama.ID)
	assert.Equal(t, 3, stored.Round)
	assert.Equal(t, 1, stored.Cycle)

	after := e.fixture.Order(chama.ID)
	require.Len(t, after, 3)
	assert.True(t, after[0].Paid)
	assert.Equal(t, before[0].Amount, after[0].Amount)
	assert.True(t, after[0].PayDate.Equal(before[0].PayDate))
	assert.True(t, after[1].Paid)
	assert.Equal(t, "300", after[1].Amount)
	assert.False(t, after[2].Paid)
	assert.True(t, after[2].PayDate.Equal(before[2].PayDate))
}

func TestProcessRefundShiftsUnpaidEntries(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb", "0xccc")
	e.contribute(t, chama, order[0].WalletAddress)

	result, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	assert.Equal(t, onchain.SettlementRefund, result.Kind)

	stored := e.fixture.Reload(chama.ID)
	assert.Equal(t, 1, stored.Round)
	assert.Equal(t, 1, stored.Cycle)
	require.NotNil(t, stored.PayDate)
	assert.True(t, stored.PayDate.Equal(today.AddDate(0, 0, 7)))

	after := e.fixture.Order(chama.ID)
	for i, entry := range after {
		assert.False(t, entry.Paid)
		assert.True(t, entry.PayDate.Equal(order[i].PayDate.AddDate(0, 0, 7)), "entry %d", i)
	}

	payouts, err := e.fixture.Repo.ListPayouts(context.Background(), e.fixture.DB, chama.ID)
	require.NoError(t, err)
	assert.Empty(t, payouts)

	refunded := e.notifier.ByCategory(notification.CategoryRoundRefunded)
	require.Len(t, refunded, 1)
	assert.True(t, refunded[0].All)
	assert.Zero(t, refunded[0].Exclude)
}

func TestProcessLastRoundStartsNewCycle(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb")

	e.contribute(t, chama, order.Addresses()...)
	_, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)

	e.clock.AdvanceDays(7)
	e.contribute(t, chama, order.Addresses()...)
	_, err = e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)

	stored := e.fixture.Reload(chama.ID)
	assert.Equal(t, 1, stored.Round)
	assert.Equal(t, 2, stored.Cycle)
	require.NotNil(t, stored.PayDate)
	assert.True(t, stored.PayDate.Equal(today.AddDate(0, 0, 14)))

	after := e.fixture.Order(chama.ID)
	assert.Equal(t, order.Addresses(), after.Addresses())
	for i, entry := range after {
		assert.False(t, entry.Paid)
		assert.Equal(t, chamadomain.UnpaidAmount, entry.Amount)
		assert.True(t, entry.PayDate.Equal(today.AddDate(0, 0, 14+7*i)), "entry %d", i)
	}
}

func TestProcessSkipsChamaNotDue(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb")
	e.contribute(t, chama, order.Addresses()...)
	_, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	calls := e.chain.Calls(onchain.MethodCheckPayDate)

	result, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	assert.False(t, result.Settled())
	assert.Equal(t, calls, e.chain.Calls(onchain.MethodCheckPayDate))
}

func TestProcessSkipsPendingChama(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, _ := e.fixture.Chama(chamatest.ChamaOptions{StartDate: today}, "0xaaa", "0xbbb")

	result, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	assert.False(t, result.Settled())
	assert.Zero(t, e.chain.Calls(onchain.MethodCheckPayDate))
}

func TestProcessWithoutSettlementEventLeavesStateUnchanged(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb")
	e.chain.SetNotDue(chama.OnchainID, true)

	_, err := e.processor.Process(context.Background(), chama.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, chamadomain.ErrChainExecution)
	assert.ErrorIs(t, err, chamadomain.ErrNoSettlementEvent)

	stored := e.fixture.Reload(chama.ID)
	assert.Equal(t, chama.Round, stored.Round)
	assert.Equal(t, chama.Version, stored.Version)
	assert.Equal(t, order, e.fixture.Order(chama.ID))
}

func TestProcessChainFailureIsChainExecutionError(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, _ := e.startedChama(t, "0xaaa", "0xbbb")
	e.chain.FailNext(onchain.MethodCheckPayDate, errors.New("execution reverted"))

	_, err := e.processor.Process(context.Background(), chama.ID)
	assert.ErrorIs(t, err, chamadomain.ErrChainExecution)
	assert.Equal(t, chamadomain.OpSettlePayouts, chamadomain.OperationOf(err))
	assert.Equal(t, chama.Version, e.fixture.Reload(chama.ID).Version)
}

func TestProcessOrderMismatchIsDataIntegrityError(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, _ := e.startedChama(t, "0xaaa", "0xbbb")
	late := e.fixture.User("0xddd")
	require.NoError(t, e.fixture.Repo.InsertMember(context.Background(), e.fixture.DB, &chamadomain.Member{
		ID:            e.fixture.GenID.Generate(),
		ChamaID:       chama.ID,
		UserID:        late.ID,
		WalletAddress: late.WalletAddress,
		JoinedAt:      today,
	}))

	_, err := e.processor.Process(context.Background(), chama.ID)
	assert.ErrorIs(t, err, chamadomain.ErrDataIntegrity)
	assert.ErrorIs(t, err, chamadomain.ErrPayoutOrderMismatch)
	assert.Zero(t, e.chain.Calls(onchain.MethodCheckPayDate))
}

type fixedSettlement struct {
	onchain.Executor
	receipt *onchain.Receipt
}

func (f fixedSettlement) SettleDueChamas(context.Context, []int64) (*onchain.Receipt, error) {
	return f.receipt, nil
}

func disbursedReceipt(onchainID int64, recipient string) *onchain.Receipt {
	return &onchain.Receipt{
		TxHash: "0xfeed",
		Status: onchain.ReceiptStatusSuccess,
		Events: []onchain.Event{{
			Name:      onchain.EventPayoutDisbursed,
			ChamaID:   onchainID,
			Recipient: recipient,
			Amount:    "200",
		}},
	}
}

func TestProcessUnknownRecipientIsDataIntegrityError(t *testing.T) {
	// Chamas are numbered from 1 by the fixture.
	e := newEnv(t, envOptions{executor: fixedSettlement{receipt: disbursedReceipt(1, "0xzzz")}})
	chama, _ := e.startedChama(t, "0xaaa", "0xbbb")
	require.EqualValues(t, 1, chama.OnchainID)

	_, err := e.processor.Process(context.Background(), chama.ID)
	assert.ErrorIs(t, err, chamadomain.ErrDataIntegrity)
	assert.ErrorIs(t, err, chamadomain.ErrRecipientNotFound)
	assert.Equal(t, chamadomain.OpApplySettle, chamadomain.OperationOf(err))
	assert.Equal(t, 1, e.fixture.Reload(chama.ID).Round)
}

func TestProcessOutOfTurnRecipientIsDataIntegrityError(t *testing.T) {
	e := newEnv(t, envOptions{executor: fixedSettlement{}})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb")
	e.processor.executor = fixedSettlement{receipt: disbursedReceipt(chama.OnchainID, order[1].WalletAddress)}

	_, err := e.processor.Process(context.Background(), chama.ID)
	assert.ErrorIs(t, err, chamadomain.ErrRecipientOutOfTurn)

	var opErr *chamadomain.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chama.ID, opErr.ChamaID)
}

func TestProcessAlreadyRecordedTransactionIsNoop(t *testing.T) {
	e := newEnv(t, envOptions{})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb")
	e.processor.executor = fixedSettlement{receipt: disbursedReceipt(chama.OnchainID, order[0].WalletAddress)}

	first, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	require.True(t, first.Settled())

	// Same receipt replayed after the pay date moved: force it due again.
	e.clock.AdvanceDays(7)
	second, err := e.processor.Process(context.Background(), chama.ID)
	require.NoError(t, err)
	assert.False(t, second.Settled())
	assert.Equal(t, 2, e.fixture.Reload(chama.ID).Round)

	payouts, err := e.fixture.Repo.ListPayouts(context.Background(), e.fixture.DB, chama.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

type failingCountersRepo struct {
	chamadomain.Repository
}

func (failingCountersRepo) UpdateCounters(context.Context, *gorm.DB, snowflake.ID, int64, int, int, time.Time, time.Time) (bool, error) {
	return false, nil
}

func TestProcessLostVersionRaceIsPersistenceError(t *testing.T) {
	e := newEnv(t, envOptions{repo: func(r chamadomain.Repository) chamadomain.Repository {
		return failingCountersRepo{Repository: r}
	}})
	chama, order := e.startedChama(t, "0xaaa", "0xbbb")
	e.contribute(t, chama, order.Addresses()...)

	_, err := e.processor.Process(context.Background(), chama.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, chamadomain.ErrPersistence)
	assert.ErrorIs(t, err, chamadomain.ErrConcurrentUpdate)
	assert.Equal(t, chamadomain.OpCommitSettle, chamadomain.OperationOf(err))

	// The payout row rolls back with the counters.
	payouts, err := e.fixture.Repo.ListPayouts(context.Background(), e.fixture.DB, chama.ID)
	require.NoError(t, err)
	assert.Empty(t, payouts)
	assert.Equal(t, order, e.fixture.Order(chama.ID))
	assert.Empty(t, e.notifier.Sent())
}
