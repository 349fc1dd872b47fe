package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Execution core errors
const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10004
	Timeout             ErrorCode = 10005

	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10301

	// ========== Execution Core Errors (20000-20999) ==========

	// Submission intake (20000-20099)
	UnsupportedLanguage ErrorCode = 20000
	EmptySource         ErrorCode = 20001
	SourceTooLarge      ErrorCode = 20002

	// Environment provisioning (20100-20199)
	ProvisioningError    ErrorCode = 20100
	EnvironmentDestroyed ErrorCode = 20101
	SandboxUnavailable   ErrorCode = 20102

	// Execution (20200-20299)
	CompilationError    ErrorCode = 20200
	RuntimeError        ErrorCode = 20201
	TimeLimitExceeded   ErrorCode = 20202
	MemoryLimitExceeded ErrorCode = 20203
	OutputLimitExceeded ErrorCode = 20204
	ExecutionCancelled  ErrorCode = 20205
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",

	UnsupportedLanguage: "Programming language not supported",
	EmptySource:         "Source code is empty",
	SourceTooLarge:      "Source code is too large",

	ProvisioningError:    "Failed to provision execution environment",
	EnvironmentDestroyed: "Execution environment already destroyed",
	SandboxUnavailable:   "Sandbox backend unavailable",

	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	ExecutionCancelled:  "Execution cancelled",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Systemic reports whether the code describes a condition that prevents
// execution entirely, as opposed to a per-test-case outcome.
func (c ErrorCode) Systemic() bool {
	switch c {
	case UnsupportedLanguage, EmptySource, SourceTooLarge,
		ProvisioningError, EnvironmentDestroyed, SandboxUnavailable,
		CompilationError:
		return true
	default:
		return false
	}
}
