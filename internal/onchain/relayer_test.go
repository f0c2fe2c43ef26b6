package onchain

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/custody"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSigner struct {
	address string
	priv    ed25519.PrivateKey
}

func newStubSigner(t *testing.T, address string) *stubSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &stubSigner{address: address, priv: priv}
}

func (s *stubSigner) Address() string { return s.address }
func (s *stubSigner) PublicKey() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}
func (s *stubSigner) Sign(payload []byte) ([]byte, error) { return ed25519.Sign(s.priv, payload), nil }

type stubProvider struct {
	mu        sync.Mutex
	operator  *stubSigner
	byAddress map[string]*stubSigner
	activated map[string]bool
}

func (p *stubProvider) SignerForUser(_ context.Context, _ snowflake.ID) (custody.Signer, error) {
	return p.operator, nil
}

func (p *stubProvider) SignerForAddress(_ context.Context, address string) (custody.Signer, error) {
	if s, ok := p.byAddress[address]; ok {
		return s, nil
	}
	return nil, custody.ErrKeyNotFound
}

func (p *stubProvider) IsActivated(_ context.Context, address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activated[address], nil
}

func (p *stubProvider) MarkActivated(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated[address] = true
	return nil
}

// fakeRelayer confirms transactions after pendingPolls receipt lookups.
type fakeRelayer struct {
	t            *testing.T
	mu           sync.Mutex
	pendingPolls int
	revert       bool
	submitted    []submitRequest
	activations  []string
	polls        map[string]int
	events       []Event
	failSubmits  int
}

func (f *fakeRelayer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer relayer-key", r.Header.Get("Authorization"))
		var req submitRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

		unsigned, err := json.Marshal(req.call)
		require.NoError(f.t, err)
		sig, err := hex.DecodeString(req.Signature)
		require.NoError(f.t, err)
		assert.True(f.t, custody.Verify(req.PublicKey, unsigned, sig), "signature must cover the call")

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failSubmits > 0 {
			f.failSubmits--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		f.submitted = append(f.submitted, req)
		_ = json.NewEncoder(w).Encode(submitResponse{TxHash: fmt.Sprintf("0x%04d", len(f.submitted))})
	})
	mux.HandleFunc("POST /v1/accounts/{address}/activate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.activations = append(f.activations, r.PathValue("address"))
		_ = json.NewEncoder(w).Encode(submitResponse{})
	})
	mux.HandleFunc("GET /v1/transactions/{hash}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		hash := r.PathValue("hash")
		f.polls[hash]++
		resp := receiptResponse{TxHash: hash, Status: "pending"}
		if f.polls[hash] > f.pendingPolls {
			resp.Status = string(ReceiptStatusSuccess)
			resp.BlockNumber = 42
			resp.Events = f.events
			if f.revert {
				resp.Status = string(ReceiptStatusReverted)
				resp.Error = "execution reverted"
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newRelayerFixture(t *testing.T, relayer *fakeRelayer, timeout time.Duration) (*RelayerExecutor, *stubProvider) {
	t.Helper()
	relayer.t = t
	relayer.polls = map[string]int{}
	server := httptest.NewServer(relayer.handler())
	t.Cleanup(server.Close)

	provider := &stubProvider{
		operator:  newStubSigner(t, "0xoperator"),
		byAddress: map[string]*stubSigner{"0xmember": newStubSigner(t, "0xmember")},
		activated: map[string]bool{},
	}
	exec, err := NewRelayerExecutor(config.ChainConfig{
		RelayerURL:          server.URL,
		RelayerAPIKey:       "relayer-key",
		SponsorPolicyID:     "policy-1",
		ContractAddress:     "0xcontract",
		TokenAddress:        "0xtoken",
		ConfirmationTimeout: timeout,
		PollInterval:        5 * time.Millisecond,
	}, provider, server.Client(), zap.NewNop())
	require.NoError(t, err)
	return exec, provider
}

func TestRelayerSettleReturnsReceiptEvents(t *testing.T) {
	relayer := &fakeRelayer{
		pendingPolls: 2,
		events:       []Event{{Name: EventPayoutDisbursed, ChamaID: 9, Recipient: "0xb2", Amount: "300"}},
	}
	exec, provider := newRelayerFixture(t, relayer, time.Second)

	receipt, err := exec.SettleDueChamas(context.Background(), []int64{9})
	require.NoError(t, err)

	settlement, err := receipt.SettlementFor(9)
	require.NoError(t, err)
	assert.Equal(t, SettlementDisburse, settlement.Kind)
	assert.Equal(t, "0xb2", settlement.Recipient)

	require.Len(t, relayer.submitted, 1)
	sub := relayer.submitted[0]
	assert.Equal(t, MethodCheckPayDate, sub.Method)
	assert.Equal(t, "0xcontract", sub.To)
	assert.Equal(t, "policy-1", sub.SponsorPolicyID)
	assert.NotEmpty(t, sub.IdempotencyKey)

	assert.Equal(t, []string{"0xoperator"}, relayer.activations, "operator activated on first use")
	assert.True(t, provider.activated["0xoperator"])
}

func TestRelayerActivatesOnlyOnce(t *testing.T) {
	relayer := &fakeRelayer{}
	exec, _ := newRelayerFixture(t, relayer, time.Second)

	_, err := exec.SetPayoutOrder(context.Background(), 1, []string{"0xa1", "0xb2"})
	require.NoError(t, err)
	_, err = exec.SetPayoutOrder(context.Background(), 1, []string{"0xa1", "0xb2"})
	require.NoError(t, err)

	assert.Len(t, relayer.activations, 1)
	assert.Len(t, relayer.submitted, 2)
	assert.NotEqual(t, relayer.submitted[0].IdempotencyKey, relayer.submitted[1].IdempotencyKey)
}

func TestRelayerDepositApprovesFirst(t *testing.T) {
	relayer := &fakeRelayer{}
	exec, _ := newRelayerFixture(t, relayer, time.Second)

	txHash, err := exec.DepositOnBehalf(context.Background(), 4, "0xmember", "100")
	require.NoError(t, err)
	assert.Equal(t, "0x0002", txHash)

	require.Len(t, relayer.submitted, 2)
	assert.Equal(t, MethodApprove, relayer.submitted[0].Method)
	assert.Equal(t, "0xtoken", relayer.submitted[0].To)
	assert.Equal(t, MethodDepositForMember, relayer.submitted[1].Method)
}

func TestRelayerJoinSignsAsMember(t *testing.T) {
	relayer := &fakeRelayer{}
	exec, _ := newRelayerFixture(t, relayer, time.Second)

	_, err := exec.JoinPublicChama(context.Background(), 4, "0xmember")
	require.NoError(t, err)
	require.Len(t, relayer.submitted, 1)
	assert.Equal(t, "0xmember", relayer.submitted[0].From)

	_, err = exec.JoinPublicChama(context.Background(), 4, "0xunknown")
	assert.ErrorIs(t, err, chamadomain.ErrSignerUnavailable)
}

func TestRelayerRetriesTransientSubmitFailure(t *testing.T) {
	relayer := &fakeRelayer{failSubmits: 1}
	exec, _ := newRelayerFixture(t, relayer, 5*time.Second)

	_, err := exec.SetPayoutOrder(context.Background(), 1, []string{"0xa1", "0xb2"})
	require.NoError(t, err)
	assert.Len(t, relayer.submitted, 1)
}

func TestRelayerRevertIsPermanent(t *testing.T) {
	relayer := &fakeRelayer{revert: true}
	exec, _ := newRelayerFixture(t, relayer, time.Second)

	_, err := exec.SetPayoutOrder(context.Background(), 1, []string{"0xa1", "0xb2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, chamadomain.ErrTransactionReverted)
	assert.True(t, strings.Contains(err.Error(), "execution reverted"))
}

func TestRelayerConfirmationTimeout(t *testing.T) {
	relayer := &fakeRelayer{pendingPolls: 1 << 30}
	exec, _ := newRelayerFixture(t, relayer, 60*time.Millisecond)

	_, err := exec.SettleDueChamas(context.Background(), []int64{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, chamadomain.ErrConfirmationTimeout)
}

func TestNewRelayerExecutorValidatesURL(t *testing.T) {
	_, err := NewRelayerExecutor(config.ChainConfig{RelayerURL: "::bad"}, &stubProvider{}, nil, zap.NewNop())
	assert.Error(t, err)
}
