// Package exitcode defines the terminal error taxonomy and its mapping to
// process exit codes. Components return a *Error tagged with a Kind; only
// the outermost command loop converts the kind to an exit code.
package exitcode

import (
	"errors"
	"fmt"
)

// Kind identifies the terminal outcome class of a run.
type Kind int

const (
	Success                    Kind = 0
	InvalidConfiguration       Kind = 1
	EntityDiscoveryFailure     Kind = 2
	DatabaseConnectionFailure  Kind = 3
	SchemaValidationFailure    Kind = 4
	DeploymentExecutionFailure Kind = 5
	LicenseUnavailable         Kind = 6
	GitOperationFailure        Kind = 7
	AuthenticationFailure      Kind = 8
	KeyVaultAccessFailure      Kind = 9
	WarningApprovalRequired    Kind = 10
	RiskyDualApprovalRequired  Kind = 11
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidConfiguration:
		return "invalid configuration"
	case EntityDiscoveryFailure:
		return "entity discovery failure"
	case DatabaseConnectionFailure:
		return "database connection failure"
	case SchemaValidationFailure:
		return "schema validation failure"
	case DeploymentExecutionFailure:
		return "deployment execution failure"
	case LicenseUnavailable:
		return "license unavailable"
	case GitOperationFailure:
		return "git operation failure"
	case AuthenticationFailure:
		return "authentication failure"
	case KeyVaultAccessFailure:
		return "key vault access failure"
	case WarningApprovalRequired:
		return "warning approval required"
	case RiskyDualApprovalRequired:
		return "risky dual approval required"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a terminal error carrying its kind plus enough object context
// (object, schema, phase) to be actionable without re-running verbose.
type Error struct {
	Kind   Kind
	Object string
	Schema string
	Phase  int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Phase > 0 {
		msg = fmt.Sprintf("%s (phase %d)", msg, e.Phase)
	}
	if e.Object != "" {
		obj := e.Object
		if e.Schema != "" {
			obj = e.Schema + "." + obj
		}
		msg = fmt.Sprintf("%s [%s]", msg, obj)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a terminal error from a kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an underlying error with a kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain. A nil error is Success;
// an untagged error maps to InvalidConfiguration, the conservative
// "operator must look" default.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidConfiguration
}

// ExitCode converts an error chain to the process exit code contract.
func ExitCode(err error) int {
	return int(KindOf(err))
}
