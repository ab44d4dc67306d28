package toolclient

import "fmt"

// ToolError kinds. Unavailable covers transport failures, timeouts and 5xx
// responses; Rejected covers a provider that answered but refused the call.
const (
	KindUnavailable = "unavailable"
	KindRejected    = "rejected"
)

// ToolError is the uniform failure type for provider invocations.
type ToolError struct {
	Kind      string
	Provider  string
	Operation string
	Message   string
	Attempts  int
	Err       error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s/%s after %d attempt(s): %s", e.Kind, e.Provider, e.Operation, e.Attempts, msg)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Retryable reports whether a retry could have helped. Rejections are final.
func (e *ToolError) Retryable() bool { return e.Kind == KindUnavailable }

func unavailable(provider, operation string, attempts int, err error) *ToolError {
	return &ToolError{Kind: KindUnavailable, Provider: provider, Operation: operation, Attempts: attempts, Err: err}
}

func rejected(provider, operation, message string, attempts int) *ToolError {
	return &ToolError{Kind: KindRejected, Provider: provider, Operation: operation, Message: message, Attempts: attempts}
}
