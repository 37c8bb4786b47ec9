package exitcode

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	if KindOf(nil) != Success {
		t.Error("nil error must map to Success")
	}
	if KindOf(errors.New("plain")) != InvalidConfiguration {
		t.Error("untagged errors default to InvalidConfiguration")
	}

	err := New(LicenseUnavailable, "pool exhausted")
	if KindOf(err) != LicenseUnavailable {
		t.Errorf("KindOf = %v", KindOf(err))
	}

	// The kind survives wrapping.
	wrapped := fmt.Errorf("deploy: %w", err)
	if KindOf(wrapped) != LicenseUnavailable {
		t.Errorf("wrapped KindOf = %v", KindOf(wrapped))
	}
}

func TestExitCodeContract(t *testing.T) {
	cases := map[Kind]int{
		Success:                    0,
		InvalidConfiguration:       1,
		EntityDiscoveryFailure:     2,
		DatabaseConnectionFailure:  3,
		SchemaValidationFailure:    4,
		DeploymentExecutionFailure: 5,
		LicenseUnavailable:         6,
		GitOperationFailure:        7,
		AuthenticationFailure:      8,
		KeyVaultAccessFailure:      9,
		WarningApprovalRequired:    10,
		RiskyDualApprovalRequired:  11,
	}
	for kind, want := range cases {
		var err error
		if kind != Success {
			err = New(kind, "boom")
		}
		if got := ExitCode(err); got != want {
			t.Errorf("%s: exit code %d, want %d", kind, got, want)
		}
	}
}

func TestErrorMessageContext(t *testing.T) {
	err := &Error{
		Kind:   DeploymentExecutionFailure,
		Object: "Location.Title",
		Schema: "app",
		Phase:  2,
		Err:    errors.New("syntax error"),
	}
	msg := err.Error()
	for _, want := range []string{"phase 2", "app.Location.Title", "syntax error"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q: %s", want, msg)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(LicenseUnavailable, nil) != nil {
		t.Error("Wrap(nil) must return nil")
	}
}
