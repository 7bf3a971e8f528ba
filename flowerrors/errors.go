// Package flowerrors is the error taxonomy of the flow engine. Every error
// carries a Kind sentinel so callers can branch with errors.Is, and a
// structured payload (offending field, expected versus received parameters)
// for diagnostics.
package flowerrors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind sentinels.
var (
	ErrValidation      = errors.New("validation error")
	ErrProtocol        = errors.New("protocol error")
	ErrPKCEMismatch    = errors.New("pkce artifact mismatch")
	ErrPollingTerminal = errors.New("polling terminated")
	ErrTransport       = errors.New("transport error")
	ErrSecretLeak      = errors.New("secret leak guard")
	ErrParameter       = errors.New("parameter not allowed")
)

// ValidationError lists the human-readable labels of missing or invalid
// credential fields or unmet step preconditions. Recoverable.
type ValidationError struct {
	Fields  []string
	Details map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing or invalid: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Kind returns the sentinel for errors.Is.
func (e *ValidationError) Kind() error { return ErrValidation }

// ProtocolError is an OAuth error returned by the authorization server,
// carried verbatim. Never retried automatically.
type ProtocolError struct {
	Status      int
	Code        string
	Description string
	URI         string
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	return b.String()
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Kind() error { return ErrProtocol }

// PKCEMismatchError means the verifier for a flow could not be recovered or
// does not correlate with its challenge. This is a storage defect, never retried.
type PKCEMismatchError struct {
	Key      string
	Artifact string
	Reason   string
}

func (e *PKCEMismatchError) Error() string {
	return fmt.Sprintf("pkce %s for %s: %s", e.Artifact, e.Key, e.Reason)
}

func (e *PKCEMismatchError) Is(target error) bool { return target == ErrPKCEMismatch }

func (e *PKCEMismatchError) Kind() error { return ErrPKCEMismatch }

// PollingTerminalError ends a device or backchannel flow. The flow must be restarted.
type PollingTerminalError struct {
	State       string
	Code        string
	Description string
}

func (e *PollingTerminalError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("polling %s", e.State)
	}
	return fmt.Sprintf("polling %s: %s", e.State, e.Code)
}

func (e *PollingTerminalError) Is(target error) bool { return target == ErrPollingTerminal }

func (e *PollingTerminalError) Kind() error { return ErrPollingTerminal }

// TransportError wraps a network failure or timeout talking to the proxy.
type TransportError struct {
	Op        string
	Status    int
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Kind() error { return ErrTransport }

// SecretLeakGuardError is raised when a secret-bearing parameter would be
// placed in a request bound for the browser or the proxy client payload.
// It must never be suppressed.
type SecretLeakGuardError struct {
	Param   string
	Request string
}

func (e *SecretLeakGuardError) Error() string {
	return fmt.Sprintf("refusing to place %q in %s", e.Param, e.Request)
}

func (e *SecretLeakGuardError) Is(target error) bool { return target == ErrSecretLeak }

func (e *SecretLeakGuardError) Kind() error { return ErrSecretLeak }

// ParameterError reports a caller-supplied parameter outside a builder's allow-list.
type ParameterError struct {
	Grant    string
	Request  string
	Param    string
	Allowed  []string
	Received []string
}

func (e *ParameterError) Error() string {
	allowed := append([]string(nil), e.Allowed...)
	sort.Strings(allowed)
	return fmt.Sprintf("%s %s: parameter %q not allowed (allowed: %s)",
		e.Grant, e.Request, e.Param, strings.Join(allowed, ", "))
}

func (e *ParameterError) Is(target error) bool { return target == ErrParameter }

func (e *ParameterError) Kind() error { return ErrParameter }

// IsRetryable reports whether the caller may offer a retry.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// NewProtocolError builds a ProtocolError, defaulting the status to 400.
func NewProtocolError(status int, code, description string) *ProtocolError {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &ProtocolError{Status: status, Code: code, Description: description}
}
