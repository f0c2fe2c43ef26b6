package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Error kinds. Every failure surfaced by the rotation engine unwraps to
// exactly one of these.
var (
	ErrConfiguration  = errors.New("configuration_error")
	ErrDataIntegrity  = errors.New("data_integrity_error")
	ErrChainExecution = errors.New("chain_execution_error")
	ErrPersistence    = errors.New("persistence_error")
)

var (
	ErrNotEnoughMembers       = errors.New("not_enough_members")
	ErrInvalidCycleLength     = errors.New("invalid_cycle_length")
	ErrInvalidContribution    = errors.New("invalid_contribution_amount")
	ErrInvalidMaxMembers      = errors.New("invalid_max_members")
	ErrInvalidName            = errors.New("invalid_name")
	ErrInvalidOnchainID       = errors.New("invalid_onchain_id")
	ErrInvalidWalletAddress   = errors.New("invalid_wallet_address")
	ErrPayoutOrderMismatch    = errors.New("payout_order_length_mismatch")
	ErrRecipientNotFound      = errors.New("recipient_not_found")
	ErrRecipientOutOfTurn     = errors.New("recipient_out_of_turn")
	ErrRoundOutOfRange        = errors.New("round_out_of_range")
	ErrNoSettlementEvent      = errors.New("no_settlement_event")
	ErrConcurrentUpdate       = errors.New("concurrent_update")
	ErrChamaNotFound          = errors.New("chama_not_found")
	ErrChamaAlreadyStarted    = errors.New("chama_already_started")
	ErrChamaFull              = errors.New("chama_full")
	ErrAlreadyMember          = errors.New("already_member")
	ErrNotMember              = errors.New("not_member")
	ErrUserNotFound           = errors.New("user_not_found")
	ErrContributionMismatch   = errors.New("contribution_amount_mismatch")
	ErrChamaNotStarted        = errors.New("chama_not_started")
	ErrConfirmationTimeout    = errors.New("confirmation_timeout")
	ErrTransactionReverted    = errors.New("transaction_reverted")
	ErrSignerUnavailable      = errors.New("signer_unavailable")
	ErrLockNotAcquired        = errors.New("lock_not_acquired")
	ErrUnexpectedSettlement   = errors.New("unexpected_settlement_outcome")
	ErrDuplicateTransactionID = errors.New("duplicate_transaction")
)

// Operation names used in error context and logs.
const (
	OpStartChama     = "start_chama"
	OpSetPayoutOrder = "set_payout_order"
	OpSettlePayouts  = "settle_payouts"
	OpApplySettle    = "apply_settlement"
	OpCommitStart    = "commit_start"
	OpCommitSettle   = "commit_settlement"
	OpDeposit        = "deposit_for_member"
	OpJoinChama      = "join_public_chama"
	OpBuildOrder     = "build_payout_order"
)

// OperationError carries the chama context for one failed operation.
type OperationError struct {
	Kind      error
	Op        string
	ChamaID   snowflake.ID
	OnchainID int64
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%v: %s", e.Kind, e.Op)
	if e.ChamaID != 0 {
		msg += fmt.Sprintf(" chama=%s", e.ChamaID.String())
	}
	if e.OnchainID != 0 {
		msg += fmt.Sprintf(" onchain=%d", e.OnchainID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newOperationError(kind error, op string, chama *Chama, err error) *OperationError {
	opErr := &OperationError{Kind: kind, Op: op, Err: err}
	if chama != nil {
		opErr.ChamaID = chama.ID
		opErr.OnchainID = chama.OnchainID
	}
	return opErr
}

func ConfigurationError(op string, chama *Chama, err error) error {
	return newOperationError(ErrConfiguration, op, chama, err)
}

func DataIntegrityError(op string, chama *Chama, err error) error {
	return newOperationError(ErrDataIntegrity, op, chama, err)
}

func ChainExecutionError(op string, chama *Chama, err error) error {
	return newOperationError(ErrChainExecution, op, chama, err)
}

func PersistenceError(op string, chama *Chama, err error) error {
	return newOperationError(ErrPersistence, op, chama, err)
}

// KindOf returns the error kind sentinel, or nil when err is not a
// classified engine error.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrDataIntegrity, ErrChainExecution, ErrPersistence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// OperationOf extracts the failing operation name when available.
func OperationOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Op
	}
	return ""
}

// WithChama fills in missing chama context on an OperationError.
func WithChama(err error, chama *Chama) error {
	var opErr *OperationError
	if chama == nil || !errors.As(err, &opErr) {
		return err
	}
	if opErr.ChamaID == 0 {
		opErr.ChamaID = chama.ID
	}
	if opErr.OnchainID == 0 {
		opErr.OnchainID = chama.OnchainID
	}
	return err
}
