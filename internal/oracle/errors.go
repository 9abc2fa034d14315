package oracle

import (
	"errors"
	"fmt"
)

// Kind classifies an extraction failure.
type Kind string

const (
	// KindConfiguration means the oracle cannot be called at all.
	KindConfiguration Kind = "configuration"
	// KindInput means the request carries nothing usable.
	KindInput Kind = "input"
	// KindOracle covers transport failures, timeouts, non-success statuses
	// and an open circuit.
	KindOracle Kind = "oracle"
	// KindParse means the reply held no decodable JSON object.
	KindParse Kind = "parse"
	// KindValidation means the reply decoded but a field did not fit the
	// registry. The field is nulled; the rest of the reply is kept.
	KindValidation Kind = "validation"
)

// Error is the error type returned by Extract.
type Error struct {
	Kind     Kind
	Document string
	// Excerpt is the head of the raw reply, set for parse failures.
	Excerpt string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("oracle: %s error", e.Kind)
	if e.Document != "" {
		msg += " for " + e.Document
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Excerpt != "" {
		msg += fmt.Sprintf(" (reply: %q)", e.Excerpt)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of an oracle error, or "" for other errors.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// Fatal reports whether err stops the whole case run rather than one
// document.
func Fatal(err error) bool {
	k := KindOf(err)
	return k == KindConfiguration || k == KindInput
}

const excerptLen = 200

func excerpt(raw string) string {
	r := []rune(raw)
	if len(r) > excerptLen {
		return string(r[:excerptLen]) + "…"
	}
	return raw
}
