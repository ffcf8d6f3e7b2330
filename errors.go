package btbringup

import (
	"fmt"

	"github.com/pkg/errors"
)

// Failure kinds. Wrapped errors can be classified with errors.Is.
var (
	// ErrInvalidCommand reports a malformed command descriptor. Raised at
	// construction or parse time, before any device I/O.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrFirmwareNotFound reports a firmware path that does not exist or is
	// not readable. Fatal to the run.
	ErrFirmwareNotFound = errors.New("firmware not found")
	// ErrTransportOpen reports a failure to open the transport. Fatal to the
	// run; the caller may retry the whole run.
	ErrTransportOpen = errors.New("transport open failed")
	// ErrTransportTimeout reports a command that received no response within
	// the transport's deadline.
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrTransportIO reports a read or write failure on an open transport.
	ErrTransportIO = errors.New("transport i/o failed")
	// ErrTransportClose reports a failure while releasing the transport.
	// Non-fatal: the run's outcome is already determined by then.
	ErrTransportClose = errors.New("transport close failed")
)

// CommandError annotates a transport failure with the position of the command
// that triggered it.
type CommandError struct {
	Index int
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d failed: %v", e.Index, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
