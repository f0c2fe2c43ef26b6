package onchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/custody"
	"go.uber.org/zap"
)

const (
	defaultConfirmationTimeout = 90 * time.Second
	defaultPollInterval        = 2 * time.Second
	submitAttempts             = 3
)

var errReceiptPending = errors.New("receipt_pending")

// RelayerExecutor submits signed contract calls to a sponsoring relayer
// and waits for their receipts.
type RelayerExecutor struct {
	baseURL         string
	apiKey          string
	sponsorPolicyID string
	contract        string
	token           string
	operatorID      snowflake.ID
	timeout         time.Duration
	pollInterval    time.Duration

	signers    custody.Provider
	httpClient *http.Client
	log        *zap.Logger
}

func NewRelayerExecutor(cfg config.ChainConfig, signers custody.Provider, httpClient *http.Client, log *zap.Logger) (*RelayerExecutor, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.RelayerURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid chain relayer url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.ConfirmationTimeout
	if timeout <= 0 {
		timeout = defaultConfirmationTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &RelayerExecutor{
		baseURL:         base,
		apiKey:          strings.TrimSpace(cfg.RelayerAPIKey),
		sponsorPolicyID: strings.TrimSpace(cfg.SponsorPolicyID),
		contract:        strings.TrimSpace(cfg.ContractAddress),
		token:           strings.TrimSpace(cfg.TokenAddress),
		operatorID:      snowflake.ID(cfg.OperatorUserID),
		timeout:         timeout,
		pollInterval:    poll,
		signers:         signers,
		httpClient:      httpClient,
		log:             log.Named("onchain.relayer"),
	}, nil
}

type call struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Method         string `json:"method"`
	Args           []any  `json:"args"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type submitRequest struct {
	call
	SponsorPolicyID string `json:"sponsorPolicyId,omitempty"`
	PublicKey       string `json:"publicKey"`
	Signature       string `json:"signature"`
}

type submitResponse struct {
	TxHash string `json:"txHash"`
}

type receiptResponse struct {
	Status      string  `json:"status"`
	TxHash      string  `json:"txHash"`
	BlockNumber uint64  `json:"blockNumber"`
	Events      []Event `json:"events"`
	Error       string  `json:"error"`
}

func (e *RelayerExecutor) SetPayoutOrder(ctx context.Context, onchainID int64, addresses []string) (string, error) {
	signer, err := e.operator(ctx)
	if err != nil {
		return "", err
	}
	receipt, err := e.execute(ctx, signer, e.contract, MethodSetPayoutOrder, onchainID, addresses)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

func (e *RelayerExecutor) SettleDueChamas(ctx context.Context, onchainIDs []int64) (*Receipt, error) {
	signer, err := e.operator(ctx)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, signer, e.contract, MethodCheckPayDate, onchainIDs)
}

// DepositOnBehalf approves the contract to pull amount from the operator
// float, then deposits it for member.
func (e *RelayerExecutor) DepositOnBehalf(ctx context.Context, onchainID int64, member string, amount string) (string, error) {
	signer, err := e.operator(ctx)
	if err != nil {
		return "", err
	}
	if _, err := e.execute(ctx, signer, e.token, MethodApprove, e.contract, amount); err != nil {
		return "", fmt.Errorf("approve: %w", err)
	}
	receipt, err := e.execute(ctx, signer, e.contract, MethodDepositForMember, onchainID, member, amount)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

func (e *RelayerExecutor) JoinPublicChama(ctx context.Context, onchainID int64, member string) (string, error) {
	signer, err := e.signers.SignerForAddress(ctx, member)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chamadomain.ErrSignerUnavailable, err)
	}
	receipt, err := e.execute(ctx, signer, e.contract, MethodJoinPublicChama, onchainID)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

func (e *RelayerExecutor) operator(ctx context.Context) (custody.Signer, error) {
	signer, err := e.signers.SignerForUser(ctx, e.operatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: operator: %v", chamadomain.ErrSignerUnavailable, err)
	}
	return signer, nil
}

// execute activates the sender on first use, submits the call and waits
// for its receipt within the confirmation timeout.
func (e *RelayerExecutor) execute(ctx context.Context, signer custody.Signer, to, method string, args ...any) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.ensureActivated(ctx, signer); err != nil {
		return nil, err
	}

	start := time.Now()
	txHash, err := e.submit(ctx, signer, call{
		From:           signer.Address(),
		To:             to,
		Method:         method,
		Args:           args,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", method, err)
	}

	receipt, err := e.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, txHash, err)
	}
	e.log.Debug("transaction confirmed",
		zap.String("method", method),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Duration("elapsed", time.Since(start)),
	)
	return receipt, nil
}

func (e *RelayerExecutor) ensureActivated(ctx context.Context, signer custody.Signer) error {
	activated, err := e.signers.IsActivated(ctx, signer.Address())
	if err != nil {
		return fmt.Errorf("%w: %v", chamadomain.ErrSignerUnavailable, err)
	}
	if activated {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"publicKey":       signer.PublicKey(),
		"sponsorPolicyId": e.sponsorPolicyID,
	})
	if err != nil {
		return err
	}
	var resp submitResponse
	if err := e.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(signer.Address())+"/activate", body, &resp); err != nil {
		return fmt.Errorf("activate %s: %w", signer.Address(), err)
	}
	if resp.TxHash != "" {
		if _, err := e.waitForReceipt(ctx, resp.TxHash); err != nil {
			return fmt.Errorf("activate %s: %w", signer.Address(), err)
		}
	}
	if err := e.signers.MarkActivated(ctx, signer.Address()); err != nil {
		return err
	}
	e.log.Info("custodial account activated", zap.String("address", signer.Address()))
	return nil
}

func (e *RelayerExecutor) submit(ctx context.Context, signer custody.Signer, c call) (string, error) {
	unsigned, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	signature, err := signer.Sign(unsigned)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(submitRequest{
		call:            c,
		SponsorPolicyID: e.sponsorPolicyID,
		PublicKey:       signer.PublicKey(),
		Signature:       hex.EncodeToString(signature),
	})
	if err != nil {
		return "", err
	}

	// The idempotency key makes resubmission after a lost response safe.
	return backoff.Retry(ctx, func() (string, error) {
		var resp submitResponse
		if err := e.do(ctx, http.MethodPost, "/v1/transactions", body, &resp); err != nil {
			return "", err
		}
		if resp.TxHash == "" {
			return "", backoff.Permanent(errors.New("relayer returned empty tx hash"))
		}
		return resp.TxHash, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(submitAttempts),
	)
}

func (e *RelayerExecutor) waitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := backoff.Retry(ctx, func() (*Receipt, error) {
		var resp receiptResponse
		if err := e.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(txHash), nil, &resp); err != nil {
			return nil, err
		}
		switch ReceiptStatus(resp.Status) {
		case ReceiptStatusSuccess:
			return &Receipt{
				TxHash:      txHash,
				Status:      ReceiptStatusSuccess,
				BlockNumber: resp.BlockNumber,
				Events:      resp.Events,
			}, nil
		case ReceiptStatusReverted:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", chamadomain.ErrTransactionReverted, resp.Error))
		default:
			return nil, errReceiptPending
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.pollInterval)),
		backoff.WithMaxElapsedTime(e.timeout),
	)
	if err != nil {
		if errors.Is(err, errReceiptPending) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", chamadomain.ErrConfirmationTimeout, txHash)
		}
		return nil, err
	}
	return receipt, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relayer returned %d: %s", e.status, e.body)
}

func (e *RelayerExecutor) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode relayer response: %w", err))
	}
	return nil
}
