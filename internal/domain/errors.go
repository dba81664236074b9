package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels. Pair them with a subsystem via NewSubSystemError to get
// a narrower ErrorCode.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

var (
	ErrConsentDenied        = fmt.Errorf("capture consent denied")
	ErrInvalidConfiguration = fmt.Errorf("invalid configuration")
	ErrCaptureNotActive     = fmt.Errorf("capture session not active")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrEncryption           = fmt.Errorf("encryption operation failed")
	ErrDecryption           = fmt.Errorf("decryption failed")
	ErrAuditWrite           = fmt.Errorf("audit log write failed")
	ErrStore                = fmt.Errorf("lifecycle store operation failed")
	ErrGuidanceUnavailable  = fmt.Errorf("guidance backend unavailable")
	ErrGuidanceAborted      = fmt.Errorf("guidance request aborted")

	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// ConsentRequirement names one consent condition a capture needs.
type ConsentRequirement string

const (
	RequireSelfConsent       ConsentRequirement = "self_consent"
	RequireAllPartiesConsent ConsentRequirement = "all_parties_consent"
)

// ConsentDeniedError reports why a capture was not authorized.
// Missing lists every unmet condition so the caller can re-prompt precisely.
type ConsentDeniedError struct {
	Mode    ConsentMode
	Missing []ConsentRequirement
}

func (e *ConsentDeniedError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = string(m)
	}
	return fmt.Sprintf("%s: mode %s: missing %s", ErrConsentDenied, e.Mode, strings.Join(parts, ", "))
}

func (e *ConsentDeniedError) Unwrap() error { return ErrConsentDenied }

// Lacks reports whether req is among the missing conditions.
func (e *ConsentDeniedError) Lacks(req ConsentRequirement) bool {
	for _, m := range e.Missing {
		if m == req {
			return true
		}
	}
	return false
}

// DomainError attaches an operation name, detail text and optionally a
// subsystem to a sentinel. errors.Is sees through it to Err.
type DomainError struct {
	Op        string
	Err       error
	Detail    string
	SubSystem string // "capture", "ledger", "retention", "guidance"
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Detail != "" {
		b.WriteString(e.Detail)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp prefixes err with op. A nil err stays nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is the stable error identifier sent to gateway clients.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeConsentDenied        ErrorCode = "CONSENT_DENIED"
	CodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	CodeCaptureNotActive     ErrorCode = "CAPTURE_NOT_ACTIVE"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeEncryption           ErrorCode = "ENCRYPTION"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeAuditWrite           ErrorCode = "AUDIT_WRITE"
	CodeStore                ErrorCode = "STORE"
	CodeGuidanceUnavailable  ErrorCode = "GUIDANCE_UNAVAILABLE"
	CodeGuidanceAborted      ErrorCode = "GUIDANCE_ABORTED"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload    ErrorCode = "RPC_INVALID_PAYLOAD"

	CodeCaptureNotFound  ErrorCode = "CAPTURE_NOT_FOUND"
	CodeGuidanceNotFound ErrorCode = "GUIDANCE_REQUEST_NOT_FOUND"
	CodeGuidanceTimeout  ErrorCode = "GUIDANCE_TIMEOUT"
	CodeLedgerCapacity   ErrorCode = "LEDGER_CAPACITY"
	CodeRetentionTTL     ErrorCode = "RETENTION_TTL"

	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

type codeEntry struct {
	err  error
	code ErrorCode
}

// codeTable is searched in order with errors.Is, so an error that wraps
// another sentinel must come before it.
var codeTable = []codeEntry{
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrConsentDenied, CodeConsentDenied},
	{ErrInvalidConfiguration, CodeInvalidConfiguration},
	{ErrCaptureNotActive, CodeCaptureNotActive},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrEncryption, CodeEncryption},
	{ErrDecryption, CodeDecryption},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrStore, CodeStore},
	{ErrGuidanceUnavailable, CodeGuidanceUnavailable},
	{ErrGuidanceAborted, CodeGuidanceAborted},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrDisabled, CodeDisabled},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

type subSystemKey struct {
	err       error
	subsystem string
}

// subSystemCodes narrows a category sentinel raised by a given subsystem.
var subSystemCodes = map[subSystemKey]ErrorCode{
	{ErrNotFound, "capture"}:               CodeCaptureNotFound,
	{ErrNotFound, "guidance"}:              CodeGuidanceNotFound,
	{ErrTimeout, "guidance"}:               CodeGuidanceTimeout,
	{ErrInvalidConfiguration, "ledger"}:    CodeLedgerCapacity,
	{ErrInvalidConfiguration, "retention"}: CodeRetentionTTL,
}

// ErrorCodeOf resolves err to a code. The outermost DomainError with a
// subsystem mapping wins; otherwise the first sentinel in err's chain found
// in codeTable decides.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if de, ok := e.(*DomainError); ok && de.SubSystem != "" {
			if code, ok := subSystemCodes[subSystemKey{de.Err, de.SubSystem}]; ok {
				return code
			}
		}
	}
	return lookupCode(err)
}

// Code returns the code for e alone, without looking past Err's own chain.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if code, ok := subSystemCodes[subSystemKey{e.Err, e.SubSystem}]; ok {
			return code
		}
	}
	return lookupCode(e.Err)
}

func lookupCode(err error) ErrorCode {
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}
