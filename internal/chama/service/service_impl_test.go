package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/chama/internal/chama/chamatest"
	"github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/custody"
	"github.com/smallbiznis/chama/internal/lock"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
	walletC = "0x3333333333333333333333333333333333333333"
)

type testEnv struct {
	svc     domain.Service
	fixture *chamatest.Fixture
	chain   *onchain.SimulatedChain
	clock   *clock.FakeClock
	locker  *lock.LocalLocker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := chamatest.OpenDB(t)
	fixture := chamatest.NewFixture(t, db)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))
	chain := onchain.NewSimulatedChain()
	locker := lock.NewLocalLocker(clk)
	keys := custody.NewKeystore(custody.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  fixture.GenID,
		Clock:  clk,
		Config: config.Config{CustodyPassphrase: "test-master"},
	})
	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    fixture.GenID,
		Clock:    clk,
		Repo:     fixture.Repo,
		Executor: chain,
		Keys:     keys,
		Locker:   locker,
	})
	return &testEnv{svc: svc, fixture: fixture, chain: chain, clock: clk, locker: locker}
}

func (e *testEnv) createChama(t *testing.T, req domain.CreateChamaRequest) *domain.Chama {
	t.Helper()
	if req.Name == "" {
		req.Name = "Umoja Savers"
	}
	if req.ContributionAmount == "" {
		req.ContributionAmount = "100"
	}
	if req.CycleDays == 0 {
		req.CycleDays = 7
	}
	if req.MaxMembers == 0 {
		req.MaxMembers = 3
	}
	if req.OnchainID == 0 {
		req.OnchainID = 10
	}
	chama, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return chama
}

func (e *testEnv) createUser(t *testing.T, name, wallet string) *domain.User {
	t.Helper()
	user, err := e.svc.CreateUser(context.Background(), domain.CreateUserRequest{DisplayName: name, WalletAddress: wallet})
	require.NoError(t, err)
	return user
}

func TestCreateChamaNormalizesInput(t *testing.T) {
	env := newTestEnv(t)
	chama := env.createChama(t, domain.CreateChamaRequest{Name: "  Umoja Savers ", ContributionAmount: "250.50"})

	assert.Equal(t, "umoja-savers", chama.Slug)
	assert.Equal(t, "250.5", chama.ContributionAmount)
	assert.Equal(t, 1, chama.Cycle)
	assert.Equal(t, 1, chama.Round)
	assert.False(t, chama.Started)
	assert.Equal(t, env.clock.Now(), chama.StartDate)

	stored := env.fixture.Reload(chama.ID)
	assert.Equal(t, chama.Slug, stored.Slug)
}

func TestCreateChamaDisambiguatesSlug(t *testing.T) {
	env := newTestEnv(t)
	first := env.createChama(t, domain.CreateChamaRequest{OnchainID: 1})
	second := env.createChama(t, domain.CreateChamaRequest{OnchainID: 2})

	assert.Equal(t, "umoja-savers", first.Slug)
	assert.Equal(t, "umoja-savers-2", second.Slug)
}

func TestCreateChamaValidation(t *testing.T) {
	env := newTestEnv(t)
	valid := domain.CreateChamaRequest{Name: "x", ContributionAmount: "10", CycleDays: 7, MaxMembers: 3, OnchainID: 1}

	cases := []struct {
		name   string
		mutate func(*domain.CreateChamaRequest)
		want   error
	}{
		{"empty name", func(r *domain.CreateChamaRequest) { r.Name = " " }, domain.ErrInvalidName},
		{"bad amount", func(r *domain.CreateChamaRequest) { r.ContributionAmount = "ten" }, domain.ErrInvalidContribution},
		{"zero amount", func(r *domain.CreateChamaRequest) { r.ContributionAmount = "0" }, domain.ErrInvalidContribution},
		{"zero cycle", func(r *domain.CreateChamaRequest) { r.CycleDays = 0 }, domain.ErrInvalidCycleLength},
		{"one member", func(r *domain.CreateChamaRequest) { r.MaxMembers = 1 }, domain.ErrInvalidMaxMembers},
		{"missing onchain id", func(r *domain.CreateChamaRequest) { r.OnchainID = 0 }, domain.ErrInvalidOnchainID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := env.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateChamaRejectsDuplicateOnchainID(t *testing.T) {
	env := newTestEnv(t)
	env.createChama(t, domain.CreateChamaRequest{Name: "First", OnchainID: 5})
	_, err := env.svc.Create(context.Background(), domain.CreateChamaRequest{
		Name: "Second", ContributionAmount: "10", CycleDays: 7, MaxMembers: 3, OnchainID: 5,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOnchainID)
}

func TestCreateUserIssuesCustodialKey(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Wanjiku", "")

	assert.True(t, strings.HasPrefix(user.WalletAddress, "0x"))
	assert.Len(t, user.WalletAddress, 42)

	found, err := env.fixture.Repo.FindUserByAddress(context.Background(), env.fixture.DB, user.WalletAddress)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, user.ID, found.ID)
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateUser(context.Background(), domain.CreateUserRequest{DisplayName: "", WalletAddress: walletA})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = env.svc.CreateUser(context.Background(), domain.CreateUserRequest{DisplayName: "a", WalletAddress: "0x123"})
	assert.ErrorIs(t, err, domain.ErrInvalidWalletAddress)

	env.createUser(t, "a", walletA)
	_, err = env.svc.CreateUser(context.Background(), domain.CreateUserRequest{DisplayName: "b", WalletAddress: walletA})
	assert.ErrorIs(t, err, domain.ErrInvalidWalletAddress)
}

func TestAddMemberAdmitsUntilFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chama := env.createChama(t, domain.CreateChamaRequest{MaxMembers: 2})
	a := env.createUser(t, "a", walletA)
	b := env.createUser(t, "b", walletB)
	c := env.createUser(t, "c", walletC)

	member, err := env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, walletA, member.WalletAddress)

	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: a.ID})
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)

	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: b.ID})
	require.NoError(t, err)

	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: c.ID})
	assert.ErrorIs(t, err, domain.ErrChamaFull)

	members, err := env.svc.ListMembers(ctx, chama.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Zero(t, env.chain.Calls(onchain.MethodJoinPublicChama))
}

func TestAddMemberRejectsStartedAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	started, _ := env.fixture.Chama(chamatest.ChamaOptions{}, walletA, walletB)
	ok, err := env.fixture.Repo.MarkStarted(ctx, env.fixture.DB, started.ID, started.Version, started.StartDate, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	c := env.createUser(t, "c", walletC)

	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: started.ID, UserID: c.ID})
	assert.ErrorIs(t, err, domain.ErrChamaAlreadyStarted)

	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: env.fixture.GenID.Generate(), UserID: c.ID})
	assert.ErrorIs(t, err, domain.ErrChamaNotFound)

	pending := env.createChama(t, domain.CreateChamaRequest{OnchainID: 99})
	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: pending.ID, UserID: env.fixture.GenID.Generate()})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestAddMemberJoinsPublicChamaOnChainFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chama := env.createChama(t, domain.CreateChamaRequest{IsPublic: true})
	a := env.createUser(t, "a", walletA)

	_, err := env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, env.chain.Calls(onchain.MethodJoinPublicChama))

	b := env.createUser(t, "b", walletB)
	env.chain.FailNext(onchain.MethodJoinPublicChama, errors.New("relayer unavailable"))
	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: b.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChainExecution)
	assert.Equal(t, domain.OpJoinChama, domain.OperationOf(err))

	members, err := env.svc.ListMembers(ctx, chama.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAddMemberRespectsChamaLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chama := env.createChama(t, domain.CreateChamaRequest{})
	a := env.createUser(t, "a", walletA)

	token, ok, err := env.locker.TryLock(ctx, lock.ChamaKey(chama.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: a.ID})
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, env.locker.Release(ctx, lock.ChamaKey(chama.ID), token))
	_, err = env.svc.AddMember(ctx, domain.AddMemberRequest{ChamaID: chama.ID, UserID: a.ID})
	assert.NoError(t, err)
}

func TestGetByIDNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetByID(context.Background(), env.fixture.GenID.Generate())
	assert.ErrorIs(t, err, domain.ErrChamaNotFound)
}
