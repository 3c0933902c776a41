package protocol

import "fmt"

// Strategy is the failure code carried in an error frame. The bridging
// service switches on these values verbatim.
type Strategy string

const (
	ErrChatNotFound    Strategy = "chat_not_found"
	ErrInternal        Strategy = "internal_error"
	ErrUnauthenticated Strategy = "unauthenticated"
	ErrUnknownCommand  Strategy = "unknown_command"
	ErrInvalidRequest  Strategy = "invalid_request"
	ErrRateLimited     Strategy = "rate_limited"
)

// ErrorData is the data object of an error frame.
type ErrorData struct {
	Code    Strategy `json:"code"`
	Message string   `json:"message"`
}

// Failure is an error that maps onto a specific strategy. Command handlers
// return it to pick the strategy; any other error becomes internal_error.
type Failure struct {
	Strategy Strategy
	Detail   string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Strategy)
	}
	return fmt.Sprintf("%s: %s", f.Strategy, f.Detail)
}

// Fail builds a Failure with a formatted detail message.
func Fail(strategy Strategy, format string, args ...any) *Failure {
	return &Failure{Strategy: strategy, Detail: fmt.Sprintf(format, args...)}
}
