package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Submission & Grading errors
// 14000-14999: Hackathon & Contest lifecycle errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Queue & storage errors (10400-10499)
	QueueError   ErrorCode = 10400
	StorageError ErrorCode = 10401

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidValue     ErrorCode = 10302

	// ========== Submission & Grading Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound ErrorCode = 13000
	TaskNotFound       ErrorCode = 13001
	SubmissionNotReady ErrorCode = 13002

	// Grading (13100-13199)
	GradingPoolFull    ErrorCode = 13100
	SandboxUnavailable ErrorCode = 13101
	SandboxFailed      ErrorCode = 13102
	RequeueFailed      ErrorCode = 13103
	RetryExhausted     ErrorCode = 13104

	// ========== Lifecycle Errors (14000-14999) ==========

	EventNotFound      ErrorCode = 14000
	InvalidEventWindow ErrorCode = 14001
	TickInProgress     ErrorCode = 14002
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	QueueError:   "Message queue operation failed",
	StorageError: "Object storage operation failed",

	ValidationFailed: "Validation failed",
	InvalidValue:     "Invalid value",

	SubmissionNotFound: "Submission not found",
	TaskNotFound:       "Task not found",
	SubmissionNotReady: "Submission is not awaiting grading",

	GradingPoolFull:    "Grading pool is full, please try again later",
	SandboxUnavailable: "Sandbox environment unavailable",
	SandboxFailed:      "Sandbox execution failed",
	RequeueFailed:      "Failed to requeue grading job",
	RetryExhausted:     "Grading retries exhausted",

	EventNotFound:      "Hackathon or contest not found",
	InvalidEventWindow: "Invalid start or end time",
	TickInProgress:     "Lifecycle tick already in progress",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RecordNotFound, c == SubmissionNotFound, c == TaskNotFound, c == EventNotFound:
		return 404
	case c == TooManyRequests, c == GradingPoolFull:
		return 429
	case c == TickInProgress, c == SubmissionNotReady:
		return 409
	case c == ServiceUnavailable, c == SandboxUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == InvalidEventWindow:
		return 400
	default:
		return 500
	}
}
