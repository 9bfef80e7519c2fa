package core

import "errors"

// Error codes that are sent to the client in error events.
const (
	CodeNotParticipant = "NOT_PARTICIPANT"
	CodeNotInChat      = "NOT_IN_CHAT"
	CodeChatNotFound   = "CHAT_NOT_FOUND"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeUnknownEvent   = "UNKNOWN_EVENT"
	CodeInternal       = "INTERNAL_ERROR"
)

type Error struct {
	Code string
	msg  string
	// sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, it can be returned to the client.
	Sensitive bool
}

func NewError(code, msg string, sensitive bool) *Error {
	return &Error{Code: code, msg: msg, Sensitive: sensitive}
}

func NewInsensitiveError(code, msg string) *Error {
	return &Error{Code: code, msg: msg, Sensitive: false}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrNotParticipant = NewInsensitiveError(CodeNotParticipant, "you are not a participant in this chat")
	ErrNotInChat      = NewInsensitiveError(CodeNotInChat, "you have not joined this chat")
	ErrChatNotFound   = NewInsensitiveError(CodeChatNotFound, "chat not found")
	ErrUnknownEvent   = NewInsensitiveError(CodeUnknownEvent, "unknown event")
	errInternal       = NewError(CodeInternal, "internal error", false)
)

// InvalidPayload wraps a decoding or validation failure into an error
// that can be reported back to the client.
func InvalidPayload(reason string) *Error {
	return NewInsensitiveError(CodeInvalidPayload, "invalid payload: "+reason)
}

// PublicError converts any error into an Error that is safe to be sent to the client.
// Non Error values and sensitive errors are reported as a generic internal error.
func PublicError(err error) *Error {
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		return e
	}
	return errInternal
}
