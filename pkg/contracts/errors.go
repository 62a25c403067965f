package contracts

import "fmt"

// ErrorCode is a stable, machine-readable identifier attached to every
// kernel error — every blocked or skipped outcome names which
// rule, gate, or switch triggered it via such a code.
type ErrorCode string

const (
	CodeSchemaInvalid      ErrorCode = "SCHEMA_INVALID"
	CodeTraceTampered      ErrorCode = "TRACE_TAMPERED"
	CodeTraceStructMismatch ErrorCode = "TRACE_STRUCTURE_MISMATCH"
	CodeBundleHashMismatch ErrorCode = "BUNDLE_HASH_MISMATCH"
	CodeBundleSizeMismatch ErrorCode = "BUNDLE_SIZE_MISMATCH"
	CodeBundleZipSlip      ErrorCode = "BUNDLE_ZIP_SLIP"
	CodeBundleSignature    ErrorCode = "BUNDLE_SIGNATURE_INVALID"
	CodeBundleVersion      ErrorCode = "BUNDLE_VERSION_UNSUPPORTED"
	CodeEnvBoolInvalid     ErrorCode = "ENV_BOOL_INVALID"
	CodeEnvNumberRange     ErrorCode = "ENV_NUMBER_OUT_OF_RANGE"
	CodeEnvNotifyInvalid   ErrorCode = "ENV_NOTIFY_POLICY_INVALID"
	CodeLockCorrupt        ErrorCode = "LOCK_CORRUPT"
	CodeBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	CodeTraceSealed        ErrorCode = "TRACE_SEALED"
	CodeTraceExists        ErrorCode = "TRACE_EXISTS"
	CodeContractParse      ErrorCode = "CONTRACT_PARSE_ERROR"
)

// KernelError is the common shape of every error kind the kernel raises:
// SchemaValidationError, TraceIntegrityError, BundleIntegrityError,
// ConfigError, BudgetExceededError, TraceSealedError, ContractParseError.
// Kind names the error kind (not a Go type name); Code is the stable
// machine-readable reason.
type KernelError struct {
	Kind    string
	Code    ErrorCode
	Message string
	Data    map[string]any
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

func newErr(kind string, code ErrorCode, msg string, cause error, data map[string]any) *KernelError {
	return &KernelError{Kind: kind, Code: code, Message: msg, Cause: cause, Data: data}
}

// NewSchemaValidationError reports a schema mismatch.
func NewSchemaValidationError(msg string, cause error) *KernelError {
	return newErr("SchemaValidationError", CodeSchemaInvalid, msg, cause, nil)
}

// NewTraceIntegrityError reports a hash-chain or structural mismatch
// found during replay.
func NewTraceIntegrityError(code ErrorCode, msg string, data map[string]any) *KernelError {
	return newErr("TraceIntegrityError", code, msg, nil, data)
}

// NewBundleIntegrityError reports a manifest/hash/size/ZipSlip/signature
// failure in a policy bundle.
func NewBundleIntegrityError(code ErrorCode, msg string, data map[string]any) *KernelError {
	return newErr("BundleIntegrityError", code, msg, nil, data)
}

// NewConfigError reports an unparseable ENV, state file, or lock.
func NewConfigError(code ErrorCode, msg string) *KernelError {
	return newErr("ConfigError", code, msg, nil, nil)
}

// NewBudgetExceededError reports a failed cost preflight check.
func NewBudgetExceededError(msg string, data map[string]any) *KernelError {
	return newErr("BudgetExceededError", CodeBudgetExceeded, msg, nil, data)
}

// NewTraceSealedError reports a write attempted against a sealed trace.
func NewTraceSealedError(traceID string) *KernelError {
	return newErr("TraceSealedError", CodeTraceSealed, "trace is sealed", nil, map[string]any{"trace_id": traceID})
}

// NewContractParseError reports a malformed contract.
func NewContractParseError(msg string, cause error) *KernelError {
	return newErr("ContractParseError", CodeContractParse, msg, cause, nil)
}
