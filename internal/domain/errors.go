package domain

import (
	"errors"
	"fmt"
	"strings"

	types "cipherroom/internal/domain/types"
)

// Sentinel errors. Typed errors below match their sentinel with errors.Is.
var (
	ErrAuthFailure             = errors.New("authentication failed")
	ErrUnknownSession          = errors.New("unknown group session")
	ErrForwardSecrecyViolation = errors.New("message index behind ratchet")
	ErrSignatureInvalid        = errors.New("signature invalid")
	ErrPolicyViolation         = errors.New("encryption policy violation")
	ErrNetworkTransient        = errors.New("transient network error")
	ErrMalformed               = errors.New("malformed payload")

	ErrNotFound                = errors.New("not found")
	ErrKeyChanged              = errors.New("device keys changed")
	ErrStaleRecipients         = errors.New("session recipients do not match room membership")
	ErrCrossSigningUnavailable = errors.New("cross-signing identity unavailable")
	ErrWrongPassphrase         = errors.New("wrong passphrase or corrupted data")
	ErrSessionRotated          = errors.New("group session already rotated")
	ErrNotLoggedIn             = errors.New("not logged in")
)

// PolicyError explains why a send was refused.
type PolicyError struct {
	RoomID  string
	Reason  string
	Devices []types.DeviceRef
}

func (e *PolicyError) Error() string {
	if len(e.Devices) == 0 {
		return fmt.Sprintf("policy violation in %s: %s", e.RoomID, e.Reason)
	}
	refs := make([]string, len(e.Devices))
	for i, d := range e.Devices {
		refs[i] = d.String()
	}
	return fmt.Sprintf("policy violation in %s: %s: %s", e.RoomID, e.Reason, strings.Join(refs, ", "))
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicyViolation }

// KeyChangeError reports a device announcing keys different from the ones
// first recorded for it.
type KeyChangeError struct {
	Recorded  types.PeerDevice
	Announced types.PeerDevice
}

func (e *KeyChangeError) Error() string {
	return fmt.Sprintf("device %s announced new keys (recorded signing key %s, announced %s)",
		e.Recorded.Ref(), e.Recorded.SigningKey, e.Announced.SigningKey)
}

func (e *KeyChangeError) Is(target error) bool { return target == ErrKeyChanged }

// DecryptFailure classifies a failed decryption.
type DecryptFailure int

const (
	FailureUnknownSession DecryptFailure = iota
	FailureForwardSecrecy
	FailureSignatureInvalid
	FailureMalformed
)

func (f DecryptFailure) String() string {
	switch f {
	case FailureUnknownSession:
		return "UnknownSession"
	case FailureForwardSecrecy:
		return "ForwardSecrecyViolation"
	case FailureSignatureInvalid:
		return "SignatureInvalid"
	case FailureMalformed:
		return "Malformed"
	}
	return "Unknown"
}

// Sentinel returns the sentinel error for the failure kind.
func (f DecryptFailure) Sentinel() error {
	switch f {
	case FailureUnknownSession:
		return ErrUnknownSession
	case FailureForwardSecrecy:
		return ErrForwardSecrecyViolation
	case FailureSignatureInvalid:
		return ErrSignatureInvalid
	}
	return ErrMalformed
}

// Retryable reports whether waiting may turn the failure into a success.
func (f DecryptFailure) Retryable() bool { return f == FailureUnknownSession }

// DecryptError is a classified decryption failure.
type DecryptError struct {
	Kind   DecryptFailure
	Detail string
	Err    error
}

// NewDecryptError builds a DecryptError of the given kind.
func NewDecryptError(kind DecryptFailure, detail string, err error) *DecryptError {
	return &DecryptError{Kind: kind, Detail: detail, Err: err}
}

func (e *DecryptError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptError) Unwrap() error { return e.Err }

func (e *DecryptError) Is(target error) bool { return target == e.Kind.Sentinel() }

// Retryable reports whether the failure may clear on its own.
func (e *DecryptError) Retryable() bool { return e.Kind.Retryable() }

// AsDecryptError classifies err, treating anything unclassified as malformed.
func AsDecryptError(err error) *DecryptError {
	var de *DecryptError
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, ErrUnknownSession):
		return NewDecryptError(FailureUnknownSession, "", err)
	case errors.Is(err, ErrForwardSecrecyViolation):
		return NewDecryptError(FailureForwardSecrecy, "", err)
	case errors.Is(err, ErrSignatureInvalid):
		return NewDecryptError(FailureSignatureInvalid, "", err)
	}
	return NewDecryptError(FailureMalformed, "", err)
}

// UIAError is returned when a request needs user-interactive authentication.
type UIAError struct {
	Session string
	Flows   []string
}

func (e *UIAError) Error() string {
	return fmt.Sprintf("user-interactive auth required (session %q)", e.Session)
}
