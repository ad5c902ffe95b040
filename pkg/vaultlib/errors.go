package vaultlib

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound          = errors.New("transfer item not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrItemActive            = errors.New("transfer item is still active")
	ErrDestinationNotFound   = errors.New("destination not found")
	ErrDestinationExists     = errors.New("destination already exists")
	ErrNoReachableDest       = errors.New("no reachable destinations")
	ErrIntakeStopped         = errors.New("destination intake stopped")
	ErrOrchestratorRunning   = errors.New("orchestrator already running")
	ErrOrchestratorStopped   = errors.New("orchestrator is not running")
	ErrAbandoned             = errors.New("transfer abandoned after stop grace period")
	ErrFingerprintMismatch   = errors.New("content fingerprint mismatch")
	ErrImageCountMismatch    = errors.New("remote image count mismatch")
	ErrEmptyStudy            = errors.New("study has no instances")
	ErrUnknownBackupType     = errors.New("unknown backup type")
	ErrUnknownPriority       = errors.New("unknown priority")
	ErrPriorityNotRaised     = errors.New("priority can only be raised")
	ErrClassifierUnavailable = errors.New("smart classifier unavailable")
	ErrCancelled             = errors.New("transfer cancelled")
	ErrReadBackUnsupported   = errors.New("destination cannot read stored data back")
)

// ErrorKind classifies a transfer failure for the recovery policy.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure. Never retried.
	KindUnknown ErrorKind = iota
	KindTransientNetwork
	KindDestinationUnreachable
	KindAuthenticationFailure
	KindContentIntegrityMismatch
	KindDestinationRejected
	KindCancelled
	KindConfigurationInvalid
)

var errorKindNames = map[ErrorKind]string{
	KindUnknown:                  "unknown",
	KindTransientNetwork:         "transient_network",
	KindDestinationUnreachable:   "destination_unreachable",
	KindAuthenticationFailure:    "authentication_failure",
	KindContentIntegrityMismatch: "content_integrity_mismatch",
	KindDestinationRejected:      "destination_rejected",
	KindCancelled:                "cancelled",
	KindConfigurationInvalid:     "configuration_invalid",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for k, name := range errorKindNames {
		if name == s {
			return k, true
		}
	}
	return KindUnknown, false
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	v, ok := ParseErrorKind(string(b))
	if !ok {
		return fmt.Errorf("unknown error kind %q", b)
	}
	*k = v
	return nil
}

// TransferError is a classified failure of one step of a transfer.
type TransferError struct {
	Kind        ErrorKind
	Op          string // e.g. "connect", "send", "verify"
	Destination string
	Cause       error
}

// NewTransferError returns a TransferError of the given kind.
func NewTransferError(kind ErrorKind, dest, op string, cause error) *TransferError {
	return &TransferError{Kind: kind, Op: op, Destination: dest, Cause: cause}
}

func (e *TransferError) Error() string {
	msg := e.Kind.String()
	if e.Destination != "" {
		msg = e.Destination + ": " + msg
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether the failure may clear up on its own.
func (e *TransferError) IsTransient() bool {
	return e.Kind == KindTransientNetwork || e.Kind == KindDestinationUnreachable
}

// KindOf extracts the ErrorKind of err. Errors that were never classified
// go through ClassifyError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ClassifyError(err)
}
