package protocol

// JSONRPCVersion is the only value accepted in the "jsonrpc" member.
const JSONRPCVersion = "2.0"

const (
	// --- Method Name Constants ---

	// Lifecycle
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized" // Notification
	MethodPing        = "ping"

	// Cancellation & Progress (Notifications)
	MethodCancelled = "notifications/cancelled"
	MethodProgress  = "notifications/progress"

	// Long-running tasks
	MethodTasksGet    = "tasks/get"
	MethodTasksList   = "tasks/list"
	MethodTasksCancel = "tasks/cancel"
	MethodTaskStatus  = "notifications/tasks/status" // Notification
)

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

// Standard JSON-RPC codes.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// Implementation-defined server error codes (-32000 to -32099).
const (
	CodeRequestCancelled     ErrorCode = -32800
	CodeConnectionClosed     ErrorCode = -32000
	CodeRequestTimeout       ErrorCode = -32001
	CodeRateLimited          ErrorCode = -32002
	CodeAuthenticationFailed ErrorCode = -32003
	CodeTaskNotFound         ErrorCode = -32004
	CodeNotInitialized       ErrorCode = -32005
)

var codeNames = map[ErrorCode]string{
	CodeParseError:           "parse error",
	CodeInvalidRequest:       "invalid request",
	CodeMethodNotFound:       "method not found",
	CodeInvalidParams:        "invalid params",
	CodeInternalError:        "internal error",
	CodeRequestCancelled:     "request cancelled",
	CodeConnectionClosed:     "connection closed",
	CodeRequestTimeout:       "request timeout",
	CodeRateLimited:          "rate limited",
	CodeAuthenticationFailed: "authentication failed",
	CodeTaskNotFound:         "task not found",
	CodeNotInitialized:       "not initialized",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown error"
}
