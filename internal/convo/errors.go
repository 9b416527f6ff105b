package convo

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnclassified Kind = iota
	KindDuplicate
	KindQueryTooLarge
	KindConfigMissing
	KindProviderConnection
	KindProviderResponse
	KindProviderMalformed
)

func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindQueryTooLarge:
		return "query_too_large"
	case KindConfigMissing:
		return "config_missing"
	case KindProviderConnection:
		return "provider_connection"
	case KindProviderResponse:
		return "provider_response"
	case KindProviderMalformed:
		return "provider_malformed"
	default:
		return "unclassified"
	}
}

// maxDetail bounds diagnostic payloads attached to errors so a single bad
// provider response cannot flood the logs.
const maxDetail = 2048

// Error is the conversation error taxonomy. The user-facing message is fixed
// per kind and never carries internal detail; Detail surfaces in Error() for
// logs but never reaches the user.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %v (%s)", e.Kind, e.Err, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, err error, detail string) *Error {
	if len(detail) > maxDetail {
		detail = detail[len(detail)-maxDetail:]
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf classifies any error; non-taxonomy errors are unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnclassified
}

const genericUserMessage = "Something went wrong 🤷\nPossibly a surge of requests that I cannot keep up with."

// UserMessage maps an error to the fixed text shown to the end user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindDuplicate:
		return "I am still thinking about your question."
	case KindQueryTooLarge:
		return "Your question is too long.\nPlease try to phrase it shorter."
	case KindProviderResponse:
		return "There is a problem getting an answer from the AI. It is probably temporarily unavailable."
	case KindProviderConnection:
		return "Connection trouble... The AI seems to have dropped offline for a moment."
	default:
		return genericUserMessage
	}
}

// WantsLogDetail reports whether the error carries diagnostic detail worth a
// full log entry. Expected user mistakes do not.
func WantsLogDetail(err error) bool {
	switch KindOf(err) {
	case KindDuplicate, KindQueryTooLarge:
		return false
	default:
		return true
	}
}
