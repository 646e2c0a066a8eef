package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Severity mirrors the teacher's Error{severity: FATAL, ...} field.
type Severity int

const (
	WARN Severity = iota
	RECOVERABLE
	FATAL
)

// Category classifies where in the pipeline an Error originated, per
// spec.md §7's taxonomy (UserError/IndexError/StorageError/
// ResourceError/InternalError).
type Category string

const (
	UserError     Category = "UserError"
	IndexError    Category = "IndexError"
	StorageError  Category = "StorageError"
	ResourceError Category = "ResourceError"
	InternalError Category = "InternalError"
)

// Code is a stable, snake_case error identifier, documented in a
// separate error catalog per spec.md §7.
type Code string

const (
	CodeIndexNotFound       Code = "index_not_found"
	CodeIndexAlreadyExists  Code = "index_already_exists"
	CodeInvalidIndexUid     Code = "invalid_index_uid"
	CodePrimaryKeyMismatch  Code = "primary_key_mismatch"
	CodeDocumentIdMissing   Code = "document_id_missing"
	CodePayloadTooLarge     Code = "payload_too_large"
	CodeMapFull             Code = "map_full"
	CodeTransactionConflict Code = "transaction_conflict"
	CodeIOError             Code = "io_error"
	CodeCorruption          Code = "corruption"
	CodeTooManyOpenIndexes  Code = "too_many_open_indexes"
	CodeEmbedderUnavailable Code = "embedder_unavailable"
	CodeTimeBudgetExceeded  Code = "time_budget_exceeded"
	CodeProcessingPanic     Code = "processing_panic"
	CodeInvariantViolated   Code = "invariant_violated"
	CodeFilterParseError    Code = "filter_parse_error"
	CodeSchemaIncompatible  Code = "schema_incompatible_settings_change"
)

// Error is Scout's structured error, carried on every Failed task
// (spec.md §7 "User-visible"): code/message/type/link plus an internal
// severity/category/cause, mirroring Error{cause: err, severity: FATAL,
// category: STORAGE_MGR} in the teacher's indexer package.
type Error struct {
	Code     Code
	Message  string
	Category Category
	Severity Severity
	Link     string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsFatal reports whether the error is severe enough to abort the whole
// batch rather than fail a single task in isolation (spec.md §4.C
// "Failure policy").
func (e *Error) IsFatal() bool { return e.Severity == FATAL }

func NewError(code Code, category Category, severity Severity, msg string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Code: code, Category: category, Severity: severity, Message: msg, Cause: wrapped}
}

func ErrIndexNotFound(uid string) *Error {
	return NewError(CodeIndexNotFound, IndexError, WARN, "index `"+uid+"` not found", nil)
}

func ErrIndexAlreadyExists(uid string) *Error {
	return NewError(CodeIndexAlreadyExists, IndexError, WARN, "index `"+uid+"` already exists", nil)
}

func ErrMapFull(uid string, cause error) *Error {
	return NewError(CodeMapFull, StorageError, RECOVERABLE, "map full for index `"+uid+"`, resize required", cause)
}

func ErrProcessingPanic(recovered interface{}) *Error {
	return NewError(CodeProcessingPanic, InternalError, RECOVERABLE, fmt.Sprintf("recovered panic: %v", recovered), nil)
}
