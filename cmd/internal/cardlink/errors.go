package cardlink

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionFault is returned when the card dispatcher fails. It aborts the session.
	ErrSessionFault = errors.New("cardlink: session fault")

	// ErrMalformedMessage marks an envelope missing required fields. Logged and discarded.
	ErrMalformedMessage = errors.New("cardlink: malformed message")

	// ErrUnexpectedMessageType marks an envelope whose payload does not fit the expected slot.
	// Logged and discarded.
	ErrUnexpectedMessageType = errors.New("cardlink: unexpected message type")

	// ErrTransportClosed is returned when the transport closed before the protocol completed.
	ErrTransportClosed = errors.New("cardlink: transport closed")

	// ErrTransmit is returned when the card rejects or fails a transmit. It is never retried.
	ErrTransmit = errors.New("cardlink: transmit failed")

	// ErrConsentDeclined is returned when the user declined the consent dialog.
	ErrConsentDeclined = errors.New("cardlink: consent declined")

	// ErrConsentCancelled is returned when the consent dialog was cancelled or terminated.
	ErrConsentCancelled = errors.New("cardlink: consent cancelled")

	// ErrTimeout is returned when a bounded wait elapsed without the expected message.
	ErrTimeout = errors.New("cardlink: timeout")

	// ErrServiceRejected is returned when the service answered registration with an Error envelope.
	ErrServiceRejected = errors.New("cardlink: rejected by service")

	// ErrAlreadyRun is returned when a Controller is run a second time.
	ErrAlreadyRun = errors.New("cardlink: controller already run")
)

// DispatchError wraps a failed dispatcher call. It matches ErrSessionFault.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSessionFault.Error(), e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is reports ErrSessionFault so callers can classify without knowing the op.
func (e *DispatchError) Is(target error) bool { return target == ErrSessionFault }

func dispatchErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{Op: op, Err: err}
}

// IsConsentFailure reports whether err ended the session at the consent step.
func IsConsentFailure(err error) bool {
	return errors.Is(err, ErrConsentDeclined) || errors.Is(err, ErrConsentCancelled)
}
