package sipua

import "errors"

// Signaling failure kinds surfaced to the call coordinator and the
// external entity layer. Wrap with fmt.Errorf("%w: ...") and match
// with errors.Is.
var (
	// ErrAuthRejected means the registrar refused our credentials.
	ErrAuthRejected = errors.New("registration credentials rejected")

	// ErrRegistrationLost means registration failed repeatedly and the
	// engine has exhausted its backoff ceiling.
	ErrRegistrationLost = errors.New("registration lost")

	// ErrTimeout means a signaling request went unanswered after all
	// retransmissions.
	ErrTimeout = errors.New("signaling timeout")

	// ErrTransportUnavailable means the request could not be sent at all.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
)

// Dialog state errors returned by call-control operations.
var (
	// ErrDialogAnswered is returned when answering a dialog twice.
	ErrDialogAnswered = errors.New("dialog already answered")

	// ErrDialogNotAnswered is returned for operations that require an
	// established dialog, such as sending INFO.
	ErrDialogNotAnswered = errors.New("dialog not answered")

	// ErrDialogEnded is returned for operations on a terminated dialog.
	ErrDialogEnded = errors.New("dialog ended")
)
