package apperr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sentinel kinds. Use errors.Is against these.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUpstream          = errors.New("upstream error")
	ErrDelivery          = errors.New("delivery error")
)

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the kind so errors.Is(err, ErrNotFound) works on wrapped values.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error { return e.Cause }

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a failure of the extraction service.
func Upstream(message string, cause error) error {
	return &Error{Kind: ErrUpstream, Message: message, Cause: cause}
}

// Delivery wraps a transport rejection for a tenant batch.
func Delivery(tenantID string, cause error) error {
	return &Error{Kind: ErrDelivery, Message: "tenant " + tenantID, Cause: cause}
}

// Message returns the caller-facing message of err, or err.Error() if it is not an *Error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

const maxMessageRunes = 300

var (
	urlPattern  = regexp.MustCompile(`(?i)\b(?:https?|s3)://\S+`)
	uuidPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
)

// Sanitize turns an arbitrary failure description into a message safe to show
// tenants: first line only, URLs and identifiers redacted, bounded length.
func Sanitize(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	msg = urlPattern.ReplaceAllString(msg, "[url]")
	msg = uuidPattern.ReplaceAllString(msg, "[id]")
	if utf8.RuneCountInString(msg) > maxMessageRunes {
		runes := []rune(msg)
		msg = string(runes[:maxMessageRunes-3]) + "..."
	}
	if msg == "" {
		msg = "extraction failed"
	}
	return msg
}
