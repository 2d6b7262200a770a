package query

import (
	"fmt"
	"sort"
	"strings"
)

// DuplicateKeyError reports a second registration under an existing key.
// It only ever surfaces at startup, never at request time.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("key %q already registered", e.Key)
}

// UnknownFilterError reports a requested filter key that no definition
// claims. The request fails; this is distinct from an unauthorized filter,
// which is dropped silently.
type UnknownFilterError struct {
	Key string
}

func (e *UnknownFilterError) Error() string {
	return fmt.Sprintf("filter %q not registered", e.Key)
}

// UnknownSortError reports a requested sort key that no definition claims.
type UnknownSortError struct {
	Key string
}

func (e *UnknownSortError) Error() string {
	return fmt.Sprintf("sort %q not registered", e.Key)
}

// MalformedFilterPayloadError reports an undecodable filters parameter:
// invalid base64, invalid JSON, or an element without a key.
type MalformedFilterPayloadError struct {
	cause error
}

func (e *MalformedFilterPayloadError) Error() string {
	return fmt.Sprintf("malformed filter payload: %v", e.cause)
}

func (e *MalformedFilterPayloadError) Unwrap() error { return e.cause }

// ValidationError collects every rule violation of a request, keyed by
// "<filter key>.<field path>" (kind-level violations use the bare filter
// key). Any violation fails the whole request before a single filter is
// applied.
type ValidationError struct {
	Fields map[string][]string
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

func (e *ValidationError) add(path, message string) {
	e.Fields[path] = append(e.Fields[path], message)
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "filter payload validation failed"
	}
	paths := make([]string, 0, len(e.Fields))
	for path := range e.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	parts := make([]string, 0, len(paths))
	for _, path := range paths {
		parts = append(parts, fmt.Sprintf("%s: %s", path, strings.Join(e.Fields[path], "; ")))
	}
	return "filter payload validation failed: " + strings.Join(parts, ", ")
}
