package bootloader

import (
	"errors"
	"fmt"
)

var (
	// ErrBadFormat is returned by Decode when a frame violates the wire
	// format's structural constraints. It never propagates past the
	// Dispatcher: malformed frames are logged and dropped.
	ErrBadFormat = errors.New("bootloader: malformed frame")

	// ErrNoResponse is returned by Session.Send when attempts are exhausted
	// without a matching response.
	ErrNoResponse = errors.New("bootloader: no response from target")

	// ErrPageMismatch is returned by ProgramPage when the written-page echo
	// in the final SUCCESS response disagrees with the requested page.
	ErrPageMismatch = errors.New("bootloader: page echo mismatch")

	// ErrImageTooLarge is returned by Driver.Program before any DATA frame
	// is sent, when the image would overflow the target's flash.
	ErrImageTooLarge = errors.New("bootloader: image exceeds target flash")

	// ErrCancelled is returned when a caller-supplied context is cancelled
	// mid-operation.
	ErrCancelled = errors.New("bootloader: cancelled")
)

// ProtocolError reports that the target returned ERROR, or a non-SUCCESS
// type the Session does not otherwise specially handle, in response to a
// request.
type ProtocolError struct {
	Type MessageType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bootloader: target reported %s", e.Type)
}
