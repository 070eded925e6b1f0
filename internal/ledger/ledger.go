package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Receipt describes a confirmed mint.
type Receipt struct {
	TokenID  string  `json:"token_id"`
	Quantity float64 `json:"quantity"`
	Memo     string  `json:"memo"`
	TxRef    string  `json:"tx_ref,omitempty"`
}

// Gateway is the only state-changing boundary with the outside ledger.
// Implementations must return the typed errors below so callers can
// decide whether a retry is worthwhile.
type Gateway interface {
	AvailableSupply(ctx context.Context) (float64, error)
	BalanceOf(ctx context.Context, holder string) (float64, error)
	Mint(ctx context.Context, session *Session, quantity float64, memo string) (Receipt, error)
	Buy(ctx context.Context, session *Session, quantity float64) error
	Redeem(ctx context.Context, session *Session, quantity float64) error
}

// RejectedError: the holder declined the transaction. Not auto-retried.
type RejectedError struct {
	Reason string
}

func (e RejectedError) Error() string {
	if e.Reason == "" {
		return "transaction rejected by holder"
	}
	return "transaction rejected: " + e.Reason
}

// NetworkError: the ledger was unreachable. Retryable.
type NetworkError struct {
	Err error
}

func (e NetworkError) Error() string { return fmt.Sprintf("ledger unreachable: %v", e.Err) }
func (e NetworkError) Unwrap() error { return e.Err }

// ContractError: the ledger contract reverted the call. Retryable.
type ContractError struct {
	Reason string
}

func (e ContractError) Error() string { return "contract reverted: " + e.Reason }

// AuthenticationRequiredError: a ledger operation was attempted without
// an authenticated session.
type AuthenticationRequiredError struct {
	Op string
}

func (e AuthenticationRequiredError) Error() string {
	return fmt.Sprintf("authenticated ledger session required for %s", e.Op)
}

// InsufficientBalanceError: redemption exceeds the cached balance. Raised
// locally before any gateway call.
type InsufficientBalanceError struct {
	Requested float64
	Available float64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("redeeming %.2f exceeds balance %.2f", e.Requested, e.Available)
}

// Retryable reports whether a failed ledger call may be resubmitted.
// Holder rejections are final; network and contract failures are not.
func Retryable(err error) bool {
	var ne NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var ce ContractError
	return errors.As(err, &ce)
}
