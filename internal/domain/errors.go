package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidPrincipal    Code = "INVALID_PRINCIPAL"
	CodeInvalidSplit        Code = "INVALID_SPLIT"
	CodeInvalidTimeout      Code = "INVALID_TIMEOUT"
	CodeSelfDealing         Code = "SELF_DEALING"
	CodeZeroCounterparty    Code = "ZERO_COUNTERPARTY"
	CodeInsufficientTotal   Code = "INSUFFICIENT_TOTAL"
	CodeZeroAmount          Code = "ZERO_AMOUNT"
	CodeInvalidRoutingData  Code = "INVALID_ROUTING_DATA"
	CodeUnknownAsset        Code = "UNKNOWN_ASSET"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllow   Code = "INSUFFICIENT_ALLOWANCE"

	// Authorization errors
	CodeUnauthorized                 Code = "UNAUTHORIZED"
	CodeUnauthorizedCaller           Code = "UNAUTHORIZED_CALLER"
	CodeInvalidDepositorSignature    Code = "INVALID_DEPOSITOR_SIGNATURE"
	CodeInvalidCounterpartySignature Code = "INVALID_COUNTERPARTY_SIGNATURE"

	// State errors
	CodeDealNotFound       Code = "DEAL_NOT_FOUND"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeTimeoutNotElapsed  Code = "TIMEOUT_NOT_ELAPSED"
	CodePaused             Code = "PAUSED"
	CodeAlreadyDeposited   Code = "ALREADY_DEPOSITED"
	CodeNoActiveDeposit    Code = "NO_ACTIVE_DEPOSIT"
	CodePoolNotConfigured  Code = "POOL_NOT_CONFIGURED"
	CodeHookNotSet         Code = "HOOK_NOT_SET"
	CodeBridgeNotSet       Code = "BRIDGE_NOT_SET"
	CodeSwapConsumed       Code = "SWAP_CONSUMED"
	CodeInsufficientLiquid Code = "INSUFFICIENT_LIQUIDITY"

	// External-call errors
	CodeAdapterFailed        Code = "ADAPTER_FAILED"
	CodeWithdrawMismatch     Code = "WITHDRAW_MISMATCH"
	CodeBridgeFailed         Code = "BRIDGE_FAILED"
	CodeBridgeAmountMismatch Code = "BRIDGE_AMOUNT_MISMATCH"
	CodeSwapFailed           Code = "SWAP_FAILED"
	CodeSwapAmountMismatch   Code = "SWAP_AMOUNT_MISMATCH"
	CodeTransferFailed       Code = "TRANSFER_FAILED"
	CodeCompensationFailed   Code = "COMPENSATION_FAILED"

	// Internal errors
	CodePersistence Code = "PERSISTENCE"
)

// Kind groups codes by what the caller can do about them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindExternal      Kind = "external"
	KindInternal      Kind = "internal"
)

// Kind classifies the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidPrincipal,
		CodeInvalidSplit,
		CodeInvalidTimeout,
		CodeSelfDealing,
		CodeZeroCounterparty,
		CodeInsufficientTotal,
		CodeZeroAmount,
		CodeInvalidRoutingData,
		CodeUnknownAsset,
		CodeInsufficientBalance,
		CodeInsufficientAllow:
		return KindValidation

	case CodeUnauthorized,
		CodeUnauthorizedCaller,
		CodeInvalidDepositorSignature,
		CodeInvalidCounterpartySignature:
		return KindAuthorization

	case CodeDealNotFound,
		CodeInvalidTransition,
		CodeTimeoutNotElapsed,
		CodePaused,
		CodeAlreadyDeposited,
		CodeNoActiveDeposit,
		CodePoolNotConfigured,
		CodeHookNotSet,
		CodeBridgeNotSet,
		CodeSwapConsumed,
		CodeInsufficientLiquid:
		return KindState

	case CodeAdapterFailed,
		CodeWithdrawMismatch,
		CodeBridgeFailed,
		CodeBridgeAmountMismatch,
		CodeSwapFailed,
		CodeSwapAmountMismatch,
		CodeTransferFailed,
		CodeCompensationFailed:
		return KindExternal

	default:
		return KindInternal
	}
}

// Error is a domain error carrying the guard that failed and the values
// involved, so clients can decide whether to fix input, collect a signature
// or wait.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s=%s", k, e.Metadata[k])
		}
		sb.WriteString("]")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds a domain error. kv is a flat list of metadata pairs.
func NewError(code Code, msg string, kv ...string) *Error {
	e := &Error{Code: code, Message: msg}
	if len(kv) > 0 {
		e.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Metadata[kv[i]] = kv[i+1]
		}
	}
	return e
}

// Wrap attaches a cause to the error and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// With adds one metadata pair.
func (e *Error) With(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// GetMetadata extracts metadata from an error if present.
func GetMetadata(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}

// ErrInvalidTransition reports an attempted transition against the deal's
// actual status.
func ErrInvalidTransition(dealID uint64, transition string, status DealStatus) *Error {
	return NewError(CodeInvalidTransition, "transition not allowed from current status",
		"deal", fmt.Sprint(dealID),
		"transition", transition,
		"status", status.String(),
	)
}
