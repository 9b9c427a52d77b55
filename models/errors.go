package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can decide between retrying,
// rejecting a single record, or aborting a source.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindParse               ErrorKind = "parse"
	KindTransientNetwork    ErrorKind = "transient_network"
	KindValidation          ErrorKind = "validation"
	KindStorageUnavailable  ErrorKind = "storage_unavailable"
	KindConstraintViolation ErrorKind = "constraint_violation"
	KindRetriesExhausted    ErrorKind = "retries_exhausted"
)

// Error is the single error type used across extractors, processing and storage.
type Error struct {
	Kind     ErrorKind
	Source   string
	URL      string
	Landmark string // set for parse errors
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Source != "" {
		msg += " [" + e.Source + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Landmark != "" {
		msg += " (landmark " + e.Landmark + ")"
	}
	if e.URL != "" {
		msg += " url=" + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NotFoundError(source, url string, err error) error {
	return &Error{Kind: KindNotFound, Source: source, URL: url, Reason: "page not found", Err: err}
}

func ParseError(source, url, landmark string) error {
	return &Error{Kind: KindParse, Source: source, URL: url, Landmark: landmark, Reason: "expected landmark missing"}
}

func TransientNetworkError(source, url string, err error) error {
	return &Error{Kind: KindTransientNetwork, Source: source, URL: url, Err: err}
}

func ValidationError(reason string) error {
	return &Error{Kind: KindValidation, Reason: reason}
}

func StorageUnavailable(op string, err error) error {
	return &Error{Kind: KindStorageUnavailable, Reason: op, Err: err}
}

func ConstraintViolation(op string, err error) error {
	return &Error{Kind: KindConstraintViolation, Reason: op, Err: err}
}

// RetriesExhausted tags the last error of an operation that used every attempt.
func RetriesExhausted(op string, attempts int, last error) error {
	return &Error{Kind: KindRetriesExhausted, Reason: fmt.Sprintf("%s failed after %d attempts", op, attempts), Err: last}
}

// KindOf returns the outermost classified kind in err's chain, or "" when unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in err's chain has kind k.
func IsKind(err error, k ErrorKind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

// Landmark returns the failing landmark of a parse error in err's chain.
func Landmark(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Kind == KindParse {
			return e.Landmark
		}
		err = e.Err
	}
	return ""
}
