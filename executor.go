package btbringup

import "context"

// TransportHandle is an opaque reference to an open controller connection.
// Handles are created by a TransportExecutor's Open and are only meaningful
// to the executor that produced them.
type TransportHandle interface{}

// TransportExecutor delivers commands to a Bluetooth controller. The core
// sequencing logic depends only on this interface; the package ships a serial
// HCI implementation (NewSerialExecutor) and an adapter that replays commands
// through an external vendor utility (NewVendorToolExecutor).
type TransportExecutor interface {
	// Open establishes a connection to the controller behind devicePath at
	// the requested baud rate. Fails with ErrTransportOpen.
	Open(devicePath string, baud int) (TransportHandle, error)
	// Send delivers one command and blocks until a status response arrives
	// or the per-command deadline elapses. A command the controller
	// completed with a non-success status yields a CommandResult with
	// Succeeded=false and a nil error; transport-level failures
	// (ErrTransportTimeout, ErrTransportIO) yield a non-nil error and no
	// usable result. An in-flight send is atomic: the context is consulted
	// before the write, never mid-frame.
	Send(ctx context.Context, handle TransportHandle, desc CommandDescriptor) (CommandResult, error)
	// Close releases the handle. Idempotent and safe to call after a failed
	// Send. Fails with ErrTransportClose.
	Close(handle TransportHandle) error
}
