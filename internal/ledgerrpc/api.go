// Package ledgerrpc exposes an in-process ledger over HTTP and provides the
// matching client. Mutations are authenticated by an ed25519 signature from
// the calling address; reads and the event feed are public.
package ledgerrpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rcourtman/pulse-compute/internal/ledger"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PurchaseRequest struct {
	// Tier is a tier name or index.
	Tier          string `json:"tier"`
	DurationUnits int    `json:"durationUnits"`
}

type ProvisionedRequest struct {
	InstanceID     string `json:"instanceId"`
	NetworkAddress string `json:"networkAddress"`
}

type RenewRequest struct {
	DurationUnits int `json:"durationUnits"`
}

type NetworkAddressRequest struct {
	NetworkAddress string `json:"networkAddress"`
}

type TransferRequest struct {
	To ledger.Address `json:"to"`
}

type ApproveRequest struct {
	Amount uint64 `json:"amount"`
}

type FaucetRequest struct {
	Address ledger.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

type BalanceResponse struct {
	Address   ledger.Address `json:"address"`
	Balance   uint64         `json:"balance"`
	Allowance uint64         `json:"allowance"`
}

type EventsResponse struct {
	Events    []ledger.Event `json:"events"`
	LatestSeq uint64         `json:"latestSeq"`
}

type OwnerEntitlementsResponse struct {
	Owner        ledger.Address `json:"owner"`
	Entitlements []ledger.View  `json:"entitlements"`
}

// Error codes that are not ledger rejections.
const (
	codeUnauthenticated = "unauthenticated"
	codeBadRequest      = "bad_request"
	codeFaucetDisabled  = "faucet_disabled"
)

// RemoteError is a failure reported by the ledger gateway. It unwraps to the
// matching ledger sentinel when the code is a ledger rejection, so callers
// can use errors.Is exactly as with an in-process ledger.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger gateway: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("ledger gateway: %d %s", e.Status, e.Code)
}

func (e *RemoteError) Unwrap() error { return e.cause }

func newRemoteError(status int, resp ErrorResponse) *RemoteError {
	return &RemoteError{
		Status:  status,
		Code:    resp.Error,
		Message: resp.Message,
		cause:   ledger.ErrorForCode(resp.Error),
	}
}

// statusForError maps a ledger error to an HTTP status.
func statusForError(err error) (int, string) {
	code := ledger.Code(err)
	switch code {
	case "not_found":
		return http.StatusNotFound, code
	case "unauthorized":
		return http.StatusForbidden, code
	case "invalid_tier", "invalid_duration", "invalid_address", "empty_instance_identity", "amount_overflow":
		return http.StatusBadRequest, code
	case "payment_failed", "insufficient_balance", "insufficient_allowance":
		return http.StatusPaymentRequired, code
	case "paused":
		return http.StatusServiceUnavailable, code
	case "internal":
		return http.StatusInternalServerError, code
	default:
		return http.StatusConflict, code
	}
}

var errEmptyBody = errors.New("request body is required")
