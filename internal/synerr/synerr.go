// Package synerr defines the error taxonomy shared by every component in
// the replication fabric. Each type is a distinct Go type so that callers
// can distinguish "skip silently" from "retry next tick" from "surface to
// the admin caller" with errors.As, rather than string-matching.
package synerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError indicates a problem discovered at startup: an unknown
// backend tag, a malformed connection parameter. It is always fatal.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

// NewConfigError wraps msg as a ConfigError.
func NewConfigError(msg string) error { return &ConfigError{Msg: msg} }

// NewConfigErrorf formats a ConfigError.
func NewConfigErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) (ce *ConfigError, ok bool) {
	return ce, errors.As(err, &ce)
}

// TransientDBError wraps a connection failure, deadlock, or other
// recoverable database error. The current change is left unprocessed so
// the worker loop retries it on the next tick.
type TransientDBError struct {
	Op    string
	Cause error
}

func (e *TransientDBError) Error() string {
	return fmt.Sprintf("transient db error during %s: %v", e.Op, e.Cause)
}

func (e *TransientDBError) Unwrap() error { return e.Cause }

// WrapTransient wraps cause as a TransientDBError identified by op. A nil
// cause yields a nil error.
func WrapTransient(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransientDBError{Op: op, Cause: errors.WithStack(cause)}
}

// IsTransientDBError reports whether err is (or wraps) a TransientDBError.
func IsTransientDBError(err error) (te *TransientDBError, ok bool) {
	return te, errors.As(err, &te)
}

// SchemaMismatch indicates an unknown table or a missing primary-key
// column. The caller should treat this as a no-op rather than a failure,
// so that one stray trigger cannot halt replication.
type SchemaMismatch struct {
	Table string
	Msg   string
}

func (e *SchemaMismatch) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("schema mismatch: unknown table %q", e.Table)
	}
	return fmt.Sprintf("schema mismatch: table %q: %s", e.Table, e.Msg)
}

// NewSchemaMismatch builds a SchemaMismatch for table.
func NewSchemaMismatch(table, msg string) error {
	return &SchemaMismatch{Table: table, Msg: msg}
}

// IsSchemaMismatch reports whether err is (or wraps) a SchemaMismatch.
func IsSchemaMismatch(err error) (sm *SchemaMismatch, ok bool) {
	return sm, errors.As(err, &sm)
}

// NotifierError wraps a failure to deliver a notification (email or
// webhook). It must never block apply or resolution; callers log it and
// move on.
type NotifierError struct {
	Channel string
	Cause   error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("notifier error (%s): %v", e.Channel, e.Cause)
}

func (e *NotifierError) Unwrap() error { return e.Cause }

// WrapNotifier wraps cause as a NotifierError for the named channel.
func WrapNotifier(channel string, cause error) error {
	if cause == nil {
		return nil
	}
	return &NotifierError{Channel: channel, Cause: cause}
}

// AdminInputError is surfaced to the admin API caller verbatim: resolving
// an already-resolved conflict, resolving with a missing primary key, or
// naming an unsupported table.
type AdminInputError struct {
	Msg string
}

func (e *AdminInputError) Error() string { return e.Msg }

// NewAdminInputError builds an AdminInputError.
func NewAdminInputError(msg string) error { return &AdminInputError{Msg: msg} }

// NewAdminInputErrorf formats an AdminInputError.
func NewAdminInputErrorf(format string, args ...any) error {
	return &AdminInputError{Msg: fmt.Sprintf(format, args...)}
}

// IsAdminInputError reports whether err is (or wraps) an AdminInputError.
func IsAdminInputError(err error) (ae *AdminInputError, ok bool) {
	return ae, errors.As(err, &ae)
}
