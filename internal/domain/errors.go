package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap with NewSubSystemError (or fmt.Errorf + %w) so
// ErrorCodeOf can classify errors for monitoring.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrTransient        = fmt.Errorf("transient network error")
	ErrProviderRejected = fmt.Errorf("provider rejected request")
	ErrUnauthorized     = fmt.Errorf("authentication failed")
	ErrQuotaExceeded    = fmt.Errorf("quota exceeded")
	ErrInvariant        = fmt.Errorf("invariant violated")
)

// Call-lifecycle sentinels.
var (
	ErrCallNotFound   = fmt.Errorf("call: %w", ErrNotFound)
	ErrCallEnded      = fmt.Errorf("call already ended")
	ErrSTTUnavailable = fmt.Errorf("stt unavailable")
	ErrTransferFailed = fmt.Errorf("transfer failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name (e.g. "telephony.Transfer")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g. "stt", "media")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient and may succeed on retry.
// ProviderRejected, Unauthorized and QuotaExceeded are never retried: the
// provider gave a definitive answer.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodeTransient        ErrorCode = "TRANSIENT_NETWORK"
	CodeProviderRejected ErrorCode = "PROVIDER_REJECTED"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeInvariant        ErrorCode = "INVARIANT_VIOLATION"
	CodeCallNotFound     ErrorCode = "CALL_NOT_FOUND"
	CodeCallEnded        ErrorCode = "CALL_ENDED"
	CodeSTTUnavailable   ErrorCode = "STT_UNAVAILABLE"
	CodeTransferFailed   ErrorCode = "TRANSFER_FAILED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrInvalidInput:     CodeInvalidInput,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrTransient:        CodeTransient,
	ErrProviderRejected: CodeProviderRejected,
	ErrUnauthorized:     CodeUnauthorized,
	ErrQuotaExceeded:    CodeQuotaExceeded,
	ErrInvariant:        CodeInvariant,
	ErrCallNotFound:     CodeCallNotFound,
	ErrCallEnded:        CodeCallEnded,
	ErrSTTUnavailable:   CodeSTTUnavailable,
	ErrTransferFailed:   CodeTransferFailed,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Specific sentinels wrap category sentinels, so match them first.
	for _, sentinel := range []error{ErrCallNotFound, ErrCallEnded, ErrSTTUnavailable, ErrTransferFailed} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
