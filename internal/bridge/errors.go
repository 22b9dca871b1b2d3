package bridge

import "errors"

// Call-control failure kinds surfaced to the external entity layer.
// Wrap with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrNoSuchCall means the command referenced no live call session.
	ErrNoSuchCall = errors.New("no such call")

	// ErrAlreadyAnswered means the call was answered before.
	ErrAlreadyAnswered = errors.New("call already answered")

	// ErrInvalidState means the session's state does not allow the
	// requested operation.
	ErrInvalidState = errors.New("invalid call state")
)
