// Package cageerr defines the closed set of error kinds every Cage
// operation can fail with (see spec §7). Each kind is a sentinel wrapped
// with context via fmt.Errorf("...: %w", ...); callers use errors.Is /
// errors.As the same way the pack's internal/vault package checks
// errors.Is(err, os.ErrNotExist).
package cageerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of failure kinds a Cage operation can
// surface.
type Kind string

const (
	BinaryNotFound           Kind = "binary_not_found"
	PtyAllocationFailed      Kind = "pty_allocation_failed"
	PromptTimeout            Kind = "prompt_timeout"
	UnexpectedExit           Kind = "unexpected_exit"
	DecryptionFailed         Kind = "decryption_failed"
	InvalidRecipient         Kind = "invalid_recipient"
	MissingIdentity          Kind = "missing_identity"
	SourceChanged            Kind = "source_changed"
	InPlaceFailedRecoverable Kind = "in_place_failed_recoverable"
	DangerModeNotPermitted   Kind = "danger_mode_not_permitted"
	RetentionPartial         Kind = "retention_partial"
	Timeout                  Kind = "timeout"
	Cancelled                Kind = "cancelled"
	IoError                  Kind = "io_error"
	WriteFailed              Kind = "write_failed"
)

// Error is a structured Cage error: a closed-set Kind plus a free-form
// message and optional structured fields referenced by spec §7
// (exit_code, stderr_tail, path, sidecar path, ...).
type Error struct {
	Kind    Kind
	Message string
	Path    string
	Err     error

	ExitCode    int
	StderrTail  string
	SidecarPath string
	PromptSeen  string
	FailedList  []string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, cageerr.New(KindX, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithPath(e *Error, path string) *Error {
	if e == nil {
		return nil
	}
	e.Path = path
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; ok is false for unrecognized errors, which callers should
// treat as a fall-through IoError per spec §7's propagation policy.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Suggestion returns the deterministic "what to do" text spec §7 calls
// for on a subset of kinds; empty string means no canned suggestion.
func Suggestion(k Kind) string {
	switch k {
	case SourceChanged:
		return "source hash mismatch; delete the checkpoint file and restart the chunked operation"
	case InPlaceFailedRecoverable:
		return "recovery sidecar was left in place; inspect it and retry once resolved"
	case DangerModeNotPermitted:
		return "export DANGER_MODE=1 to permit danger-mode in-place operations"
	case BinaryNotFound:
		return "install age (and age-keygen) and ensure it is on PATH"
	default:
		return ""
	}
}
