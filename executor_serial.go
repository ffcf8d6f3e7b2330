package btbringup

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// H4 packet indicators.
const (
	h4PacketCommand = 0x01
	h4PacketEvent   = 0x04
)

// HCI event codes the executor understands.
const (
	eventCommandComplete = 0x0E
	eventCommandStatus   = 0x0F
)

// SerialOptions configures the serial HCI executor.
type SerialOptions struct {
	// ResponseTimeout bounds the wait for a command's completion event.
	// Defaults to 2 seconds.
	ResponseTimeout time.Duration
}

type serialExecutor struct {
	opts SerialOptions
}

// NewSerialExecutor creates an executor that speaks the HCI UART (H4)
// protocol directly over a serial port.
func NewSerialExecutor(opts SerialOptions) TransportExecutor {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 2 * time.Second
	}
	return &serialExecutor{opts: opts}
}

type serialHandle struct {
	port *serial.Port

	mu     sync.Mutex
	closed bool
}

func (e *serialExecutor) Open(devicePath string, baud int) (TransportHandle, error) {
	if baud <= 0 {
		return nil, errors.Wrapf(ErrTransportOpen, "invalid baud rate %d", baud)
	}
	cfg := serial.Config{
		Name: devicePath,
		Baud: baud,
		// Keep individual reads short so the response deadline is checked
		// often; the overall timeout is enforced in recv.
		ReadTimeout: 100 * time.Millisecond,
	}
	port, err := serial.OpenPort(&cfg)
	if err != nil {
		return nil, errors.Wrapf(ErrTransportOpen, "open %s at %d baud: %v", devicePath, baud, err)
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(100 * time.Millisecond)
	port.Flush()
	pkgLog.Debugf("opened %s at %d baud", devicePath, baud)
	return &serialHandle{port: port}, nil
}

func (e *serialExecutor) Close(handle TransportHandle) error {
	h, ok := handle.(*serialHandle)
	if !ok {
		return errors.Wrap(ErrTransportClose, "handle does not belong to this executor")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.port.Close(); err != nil {
		return errors.Wrapf(ErrTransportClose, "%v", err)
	}
	return nil
}

func (e *serialExecutor) Send(ctx context.Context, handle TransportHandle, desc CommandDescriptor) (CommandResult, error) {
	h, ok := handle.(*serialHandle)
	if !ok {
		return CommandResult{}, errors.Wrap(ErrTransportIO, "handle does not belong to this executor")
	}
	if err := ctx.Err(); err != nil {
		return CommandResult{}, errors.Wrapf(ErrTransportIO, "send aborted: %v", err)
	}
	opcode, err := desc.opcodeValue()
	if err != nil {
		return CommandResult{}, err
	}

	pkt := make([]byte, 0, 4+len(desc.Params))
	pkt = append(pkt, h4PacketCommand, byte(opcode), byte(opcode>>8), byte(len(desc.Params)))
	pkt = append(pkt, desc.Params...)
	if _, err := h.port.Write(pkt); err != nil {
		return CommandResult{}, errors.Wrapf(ErrTransportIO, "write command %#04x: %v", opcode, err)
	}
	pkgLog.Debugf("sent command %#04x with %d parameter bytes", opcode, len(desc.Params))

	deadline := time.Now().Add(e.opts.ResponseTimeout)
	status, response, err := h.awaitCompletion(opcode, deadline)
	if err != nil {
		return CommandResult{}, err
	}
	pkgLog.Debugf("command %#04x completed with status %#02x (%s)", opcode, status, GetStatusString(status))
	return CommandResult{
		Descriptor:  desc,
		Succeeded:   status == StatusSuccess,
		StatusCode:  &status,
		RawResponse: response,
	}, nil
}

// awaitCompletion reads events until one completes the given opcode. Events
// for other opcodes (vendor notifications, stale completions from a previous
// run) are discarded.
func (h *serialHandle) awaitCompletion(opcode uint16, deadline time.Time) (byte, []byte, error) {
	for {
		indicator, err := h.recv(1, deadline)
		if err != nil {
			return 0, nil, err
		}
		if indicator[0] != h4PacketEvent {
			// Resynchronize: skip bytes until an event indicator shows up.
			continue
		}
		header, err := h.recv(2, deadline)
		if err != nil {
			return 0, nil, err
		}
		params, err := h.recv(int(header[1]), deadline)
		if err != nil {
			return 0, nil, err
		}

		switch header[0] {
		case eventCommandComplete:
			// numPackets(1) opcode(2) status(1) returnParams...
			if len(params) < 4 {
				return 0, nil, errors.Wrapf(ErrTransportIO, "short command complete event: %d bytes", len(params))
			}
			if uint16(params[1])|uint16(params[2])<<8 != opcode {
				continue
			}
			return params[3], params, nil
		case eventCommandStatus:
			// status(1) numPackets(1) opcode(2)
			if len(params) < 4 {
				return 0, nil, errors.Wrapf(ErrTransportIO, "short command status event: %d bytes", len(params))
			}
			if uint16(params[2])|uint16(params[3])<<8 != opcode {
				continue
			}
			return params[0], params, nil
		default:
			continue
		}
	}
}

func (h *serialHandle) recv(count int, deadline time.Time) ([]byte, error) {
	resp := make([]byte, 0, count)
	buf := make([]byte, count)
	for len(resp) < count {
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(ErrTransportTimeout, "received %d of %d response bytes", len(resp), count)
		}
		n, err := h.port.Read(buf[:count-len(resp)])
		if err != nil && err != io.EOF {
			return nil, errors.Wrapf(ErrTransportIO, "read response: %v", err)
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}
