package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreClosed is returned when operations are performed on a closed store
	ErrStoreClosed = errors.New("store is closed")
	// ErrEmptyKey is returned when an entry has no key
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrEntryTooLarge is returned when an encoded entry exceeds the record size limit
	ErrEntryTooLarge = errors.New("entry too large")
	// ErrStoreFull is returned when writing a new key would exceed the configured max entries
	ErrStoreFull = errors.New("store is full")
)

// AggregateError collects the failures of a Process traversal. It is
// returned only after every scheduled batch has finished.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "process failed"
	case 1:
		return fmt.Sprintf("process failed: %v", e.Errors[0])
	}

	msgs := make([]string, 0, 3)
	for _, err := range e.Errors {
		if len(msgs) == cap(msgs) {
			break
		}
		msgs = append(msgs, err.Error())
	}
	msg := fmt.Sprintf("process failed for %d entries: %s", len(e.Errors), strings.Join(msgs, "; "))
	if rest := len(e.Errors) - len(msgs); rest > 0 {
		msg += fmt.Sprintf(" (and %d more)", rest)
	}
	return msg
}

// Unwrap exposes the individual failures to errors.Is and errors.As
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}
