// Package mngerrors defines the error families used across the fleet
// manager. Errors fall into three groups: user errors (bad input, unknown
// names -- exit code 2), operational errors (connectivity, timeouts,
// offline hosts -- exit code 1) and schema errors (corrupt data files).
package mngerrors

import (
	"errors"
	"fmt"
)

// UserError is an error caused by invalid user input. It carries an
// optional UserHelpText with a suggested remedy that the CLI appends to
// the message.
type UserError struct {
	Message      string
	UserHelpText string
}

func (e *UserError) Error() string {
	if e.UserHelpText != "" {
		return e.Message + "  [" + e.UserHelpText + "]"
	}
	return e.Message
}

// NewUserInputError returns a UserError for malformed input.
func NewUserInputError(format string, args ...any) *UserError {
	return &UserError{
		Message:      fmt.Sprintf(format, args...),
		UserHelpText: "Check the command syntax with 'mng --help' or 'mng <command> --help'.",
	}
}

// NotFoundError reports a missing host, agent, snapshot or provider.
type NotFoundError struct {
	Kind       string // "host", "agent", "snapshot", "provider", "volume"
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Identifier)
}

// NewHostNotFoundError reports a missing host.
func NewHostNotFoundError(identifier string) *NotFoundError {
	return &NotFoundError{Kind: "host", Identifier: identifier}
}

// NewAgentNotFoundError reports a missing agent.
func NewAgentNotFoundError(identifier string) *NotFoundError {
	return &NotFoundError{Kind: "agent", Identifier: identifier}
}

// NewProviderNotFoundError reports a missing provider instance.
func NewProviderNotFoundError(name string) *NotFoundError {
	return &NotFoundError{Kind: "provider", Identifier: name}
}

// NewSnapshotNotFoundError reports a missing snapshot.
func NewSnapshotNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Kind: "snapshot", Identifier: id}
}

// NotAuthorizedError reports a provider that rejected our credentials.
type NotAuthorizedError struct {
	ProviderName string
	Cause        error
}

func (e *NotAuthorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s is not authorized: %v", e.ProviderName, e.Cause)
	}
	return fmt.Sprintf("provider %s is not authorized", e.ProviderName)
}

func (e *NotAuthorizedError) Unwrap() error { return e.Cause }

// OfflineError reports a host that cannot be reached because it is
// stopped, paused or crashed. Callers may retry or treat it as STOPPED.
type OfflineError struct {
	HostIdentifier string
	Cause          error
}

func (e *OfflineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("host %s is offline: %v", e.HostIdentifier, e.Cause)
	}
	return fmt.Sprintf("host %s is offline", e.HostIdentifier)
}

func (e *OfflineError) Unwrap() error { return e.Cause }

// SchemaError reports a data.json (or similar persisted file) that failed
// to validate. It includes a remediation hint because this usually means
// mng was upgraded and the on-disk format changed.
type SchemaError struct {
	Path            string
	ValidationError string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf(
		"data file has incompatible schema: %s\nto fix, delete the file (rm %s) or migrate it to the new schema\nvalidation error: %s",
		e.Path, e.Path, e.ValidationError)
}

// ProcessTimeoutError reports a subprocess that exceeded its deadline.
// Partial output is preserved by the process helper.
type ProcessTimeoutError struct {
	Command string
	Seconds float64
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %.1fs: %s", e.Seconds, e.Command)
}

// IsUserError reports whether err belongs to the user-error family.
func IsUserError(err error) bool {
	var ue *UserError
	var nf *NotFoundError
	return errors.As(err, &ue) || errors.As(err, &nf)
}

// IsOffline reports whether err indicates an unreachable host.
func IsOffline(err error) bool {
	var oe *OfflineError
	return errors.As(err, &oe)
}

// ExitCode maps an error to the CLI exit code contract: 0 on success,
// 2 on usage errors, 1 on everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if IsUserError(err) {
		return 2
	}
	return 1
}
