package esbind

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeEncoding  ErrorType = "encoding"
	ErrorTypeResolver  ErrorType = "resolver"
	ErrorTypeSync      ErrorType = "sync"
	ErrorTypeLifecycle ErrorType = "lifecycle"
	ErrorTypeConfig    ErrorType = "config"
)

// Error codes
const (
	// Encoding
	ErrCodeFieldNotFound    = "FIELD_NOT_FOUND"
	ErrCodeUnsupportedValue = "UNSUPPORTED_VALUE"
	ErrCodeCastFailed       = "CAST_FAILED"

	// Resolver
	ErrCodeResolveFailed     = "RESOLVE_FAILED"
	ErrCodeStrayID           = "STRAY_ID"
	ErrCodeDuplicateResolver = "DUPLICATE_RESOLVER"

	// Sync
	ErrCodeIndexFailed      = "INDEX_FAILED"
	ErrCodeDeleteFailed     = "DELETE_FAILED"
	ErrCodeBulkFailed       = "BULK_FAILED"
	ErrCodeSearchFailed     = "SEARCH_FAILED"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	ErrCodeRecordNotFound   = "RECORD_NOT_FOUND"
	ErrCodeLoadFailed       = "LOAD_FAILED"

	// Lifecycle
	ErrCodeCreateIndexFailed = "CREATE_INDEX_FAILED"
	ErrCodeDeleteIndexFailed = "DELETE_INDEX_FAILED"
	ErrCodeAliasLookupFailed = "ALIAS_LOOKUP_FAILED"
	ErrCodeAliasUpdateFailed = "ALIAS_UPDATE_FAILED"
	ErrCodeRefreshFailed     = "REFRESH_FAILED"

	// Registration
	ErrCodeTypeNotRegistered     = "TYPE_NOT_REGISTERED"
	ErrCodeTypeAlreadyRegistered = "TYPE_ALREADY_REGISTERED"
	ErrCodeInvalidMapping        = "INVALID_MAPPING"
	ErrCodeInvalidType           = "INVALID_TYPE"
)

// Error is the error returned by every esbind operation except bulk partial failures and
// aborted rebuilds, which have their own types.
type Error struct {
	Type        ErrorType      `json:"type"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	TrackedType string         `json:"trackedType,omitempty"`
	DocumentID  *int64         `json:"documentId,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Field       string         `json:"field,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s]", e.Type, e.Code)
	if e.Operation != "" {
		fmt.Fprintf(&b, " %s", e.Operation)
	}
	if e.TrackedType != "" {
		fmt.Fprintf(&b, " type %s", e.TrackedType)
	}
	if e.DocumentID != nil {
		fmt.Fprintf(&b, " id %d", *e.DocumentID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field '%s'", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error
func NewError(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// WithCause adds a cause to an Error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithType adds tracked type context
func (e *Error) WithType(name string) *Error {
	e.TrackedType = name
	return e
}

// WithDocument adds the document id
func (e *Error) WithDocument(id int64) *Error {
	e.DocumentID = &id
	return e
}

// WithOperation adds operation context
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithField adds field context
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithDetail adds a single detail
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewEncodingError creates an encoding error
func NewEncodingError(code, message string) *Error {
	return NewError(ErrorTypeEncoding, code, message)
}

// NewResolverError creates a resolver error
func NewResolverError(code, message string) *Error {
	return NewError(ErrorTypeResolver, code, message)
}

// NewSyncError creates a sync error
func NewSyncError(code, message string, cause error) *Error {
	return NewError(ErrorTypeSync, code, message).WithCause(cause)
}

// NewLifecycleError creates a lifecycle error
func NewLifecycleError(code, message string, cause error) *Error {
	return NewError(ErrorTypeLifecycle, code, message).WithCause(cause)
}

// NewTypeNotRegisteredError creates an error for an unknown tracked type
func NewTypeNotRegisteredError(name string) *Error {
	return NewError(ErrorTypeConfig, ErrCodeTypeNotRegistered, "tracked type is not registered").WithType(name)
}

func isErrorType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsEncodingError reports whether err is (or wraps) an encoding error.
func IsEncodingError(err error) bool { return isErrorType(err, ErrorTypeEncoding) }

// IsResolverError reports whether err is (or wraps) a resolver error.
func IsResolverError(err error) bool { return isErrorType(err, ErrorTypeResolver) }

// IsSyncError reports whether err is (or wraps) a sync error.
func IsSyncError(err error) bool { return isErrorType(err, ErrorTypeSync) }

// IsLifecycleError reports whether err is (or wraps) a lifecycle error.
func IsLifecycleError(err error) bool { return isErrorType(err, ErrorTypeLifecycle) }

// ErrorCode returns the code of an *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// BulkPartialFailure reports the failed items of a bulk operation. The other items succeeded
// and were not rolled back.
type BulkPartialFailure struct {
	TrackedType string        `json:"trackedType"`
	Operation   string        `json:"operation"`
	Succeeded   int           `json:"succeeded"`
	Failures    []ItemFailure `json:"failures"`
}

func (e *BulkPartialFailure) Error() string {
	msg := fmt.Sprintf("bulk %s on type %s: %d item(s) failed, %d succeeded",
		e.Operation, e.TrackedType, len(e.Failures), e.Succeeded)
	if len(e.Failures) > 0 {
		f := e.Failures[0]
		msg += fmt.Sprintf(" (first: id %d: %s)", f.ID, f.Reason)
	}
	return msg
}

// FailedIDs lists the ids of the failed items.
func (e *BulkPartialFailure) FailedIDs() []int64 {
	ids := make([]int64, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ID)
	}
	return ids
}

// RebuildAborted reports a rebuild that did not reach the read cutover. The write alias stays
// on NewIndex, the read alias stays on OldIndex and NewIndex is left in place.
type RebuildAborted struct {
	TrackedType string        `json:"trackedType"`
	OldIndex    string        `json:"oldIndex,omitempty"`
	NewIndex    string        `json:"newIndex,omitempty"`
	State       IndexState    `json:"state"`
	FailedChunk int           `json:"failedChunk,omitempty"` // 1-based, 0 if no chunk failed outright
	Failures    []ItemFailure `json:"failures,omitempty"`
	Cause       error         `json:"-"`
}

func (e *RebuildAborted) Error() string {
	msg := fmt.Sprintf("rebuild of type %s aborted (state %s, read index %q, new index %q)",
		e.TrackedType, e.State, e.OldIndex, e.NewIndex)
	if e.FailedChunk > 0 {
		msg += fmt.Sprintf(" at chunk %d", e.FailedChunk)
	}
	if len(e.Failures) > 0 {
		msg += fmt.Sprintf(", %d item(s) failed", len(e.Failures))
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RebuildAborted) Unwrap() error {
	return e.Cause
}
