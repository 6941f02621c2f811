// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package fault distinguishes the two error classes the archiver
// reports: user-facing errors (bad input, misconfiguration, missing
// remote objects) that carry a message, a detail and an optional
// remediation hint, and internal invariant violations that indicate a
// bug and should be reported upstream.
package fault

import (
	"fmt"
	"strings"

	"github.com/zeebo/errs"
)

// Internal is the class of internal invariant violations. These are
// never downgraded to retries.
var Internal = errs.Class("internal invariant")

// Error is a user-facing error with a short message, a longer detail
// and an optional remediation hint.
type Error struct {
	Message string
	Detail  string
	Hint    string
}

// New constructs a user-facing error.
func New(message, detail string) *Error {
	return &Error{Message: message, Detail: detail}
}

// WithHint attaches a remediation hint and returns the same error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MSG: %s", e.Message)
	if e.Detail != "" {
		fmt.Fprintf(&b, "\nDETAIL: %s", e.Detail)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\nHINT: %s", e.Hint)
	}
	return b.String()
}

// AsUser returns the user-facing error contained in err, if any.
func AsUser(err error) (*Error, bool) {
	var found *Error
	errs.IsFunc(err, func(err error) bool {
		if ue, ok := err.(*Error); ok {
			found = ue
			return true
		}
		return false
	})
	return found, found != nil
}

// IsInternal reports whether err belongs to the internal invariant
// class.
func IsInternal(err error) bool {
	return Internal.Has(err)
}
