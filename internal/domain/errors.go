package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared across subsystems.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
)

// Sentinel errors for the bridge and discovery layers.
var (
	ErrMalformedEnvelope    = fmt.Errorf("malformed envelope")
	ErrPeerNotFound         = fmt.Errorf("peer not found")
	ErrDeliveryTimeout      = fmt.Errorf("delivery timed out")
	ErrDeliveryFailure      = fmt.Errorf("delivery failed")
	ErrDirectoryUnavailable = fmt.Errorf("directory unavailable")
	ErrCallbackFailure      = fmt.Errorf("response callback failed")
	ErrCommandNotFound      = fmt.Errorf("command not found")
	ErrCapabilityTool       = fmt.Errorf("capability tool failed")
	ErrConversationStore    = fmt.Errorf("conversation store failed")
	ErrTelemetryStore       = fmt.Errorf("telemetry store failed")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrDecryption           = fmt.Errorf("decryption failed")

	// ErrNoResponse is returned by a ResponseFunc to signal "do not reply".
	// It is a control value, not a failure.
	ErrNoResponse = errors.New("no response")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.Handle")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "peer", "directory")
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsDeliveryError reports whether err is a peer delivery problem
// (timeout or transport failure) as opposed to a local fault.
func IsDeliveryError(err error) bool {
	return errors.Is(err, ErrDeliveryTimeout) || errors.Is(err, ErrDeliveryFailure)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeDisabled             ErrorCode = "DISABLED"
	CodeMalformedEnvelope    ErrorCode = "MALFORMED_ENVELOPE"
	CodePeerNotFound         ErrorCode = "PEER_NOT_FOUND"
	CodeDeliveryTimeout      ErrorCode = "DELIVERY_TIMEOUT"
	CodeDeliveryFailure      ErrorCode = "DELIVERY_FAILURE"
	CodeDirectoryUnavailable ErrorCode = "DIRECTORY_UNAVAILABLE"
	CodeCallbackFailure      ErrorCode = "CALLBACK_FAILURE"
	CodeCommandNotFound      ErrorCode = "COMMAND_NOT_FOUND"
	CodeCapabilityTool       ErrorCode = "CAPABILITY_TOOL"
	CodeConversationStore    ErrorCode = "CONVERSATION_STORE"
	CodeTelemetryStore       ErrorCode = "TELEMETRY_STORE"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeDirectoryNotFound ErrorCode = "DIRECTORY_NOT_FOUND"
	CodeDirectoryTimeout  ErrorCode = "DIRECTORY_TIMEOUT"
	CodeMCPServerNotFound ErrorCode = "MCP_SERVER_NOT_FOUND"
	CodeMCPTimeout        ErrorCode = "MCP_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrDisabled:     CodeDisabled,

	ErrMalformedEnvelope:    CodeMalformedEnvelope,
	ErrPeerNotFound:         CodePeerNotFound,
	ErrDeliveryTimeout:      CodeDeliveryTimeout,
	ErrDeliveryFailure:      CodeDeliveryFailure,
	ErrDirectoryUnavailable: CodeDirectoryUnavailable,
	ErrCallbackFailure:      CodeCallbackFailure,
	ErrCommandNotFound:      CodeCommandNotFound,
	ErrCapabilityTool:       CodeCapabilityTool,
	ErrConversationStore:    CodeConversationStore,
	ErrTelemetryStore:       CodeTelemetryStore,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"directory": CodeDirectoryNotFound,
		"peer":      CodePeerNotFound,
		"mcp":       CodeMCPServerNotFound,
	},
	ErrTimeout: {
		"directory": CodeDirectoryTimeout,
		"delivery":  CodeDeliveryTimeout,
		"mcp":       CodeMCPTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
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
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so wrapped chains resolve deterministically.
	for _, sentinel := range []error{
		ErrMalformedEnvelope, ErrPeerNotFound, ErrDeliveryTimeout, ErrDeliveryFailure,
		ErrDirectoryUnavailable, ErrCallbackFailure, ErrCommandNotFound, ErrCapabilityTool,
		ErrConversationStore, ErrTelemetryStore, ErrConfigLoad, ErrDecryption,
		ErrNotFound, ErrTimeout, ErrInvalidInput, ErrDisabled,
	} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
