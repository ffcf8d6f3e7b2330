// Package btbringup drives the bring-up command sequence that takes a
// Broadcom/AMPAK Bluetooth controller from power-on to an operational state:
// reset, patch-RAM minidriver download, baud-rate update, firmware patch
// upload and RAM launch.
//
// The package contains three main components: CommandDescriptor values
// describe individual HCI vendor commands, TransportExecutor provides a
// transport-agnostic way of delivering them to a controller, and
// Sequencer/Orchestrator run an ordered command list against an executor and
// report per-command results.
//
// Also included is a command line tool, found in the cmd/btbringup directory,
// that serves as both an example on how to use the library and a fully
// functional host program for bringing up a controller over a serial port.
package btbringup

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// HCI opcode group fields (OGF).
const (
	GroupLinkControl   = 0x01
	GroupLinkPolicy    = 0x02
	GroupController    = 0x03
	GroupInformational = 0x04
	GroupStatus        = 0x05
	GroupTesting       = 0x06
	GroupVendor        = 0x3F
)

// MaxParamLength is the HCI command payload limit.
const MaxParamLength = 255

// Vendor command OCFs used during patchram bring-up.
const (
	ocfWriteBDAddr        = 0x0001
	ocfUpdateBaudRate     = 0x0018
	ocfDownloadMinidriver = 0x002E
	ocfWriteRAM           = 0x004C
	ocfLaunchRAM          = 0x004E
)

const ocfReset = 0x0003

// HCI command status codes.
const (
	StatusSuccess           = 0x00
	StatusUnknownCommand    = 0x01
	StatusInvalidParameters = 0x12
	StatusDisallowed        = 0x0C
	StatusUnspecified       = 0x1F
)

// GetStatusString returns the string representation of an HCI command status.
func GetStatusString(status byte) string {
	switch status {
	case StatusSuccess:
		return "success"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusInvalidParameters:
		return "invalid parameters"
	case StatusDisallowed:
		return "command disallowed"
	case StatusUnspecified:
		return "unspecified error"
	default:
		return "unrecognized status"
	}
}

// CommandDescriptor is an immutable description of one HCI command: the
// opcode group, the opcode bytes within that group, and the raw parameter
// payload. Construct values with NewCommandDescriptor or one of the
// New*Command helpers; direct construction skips validation.
type CommandDescriptor struct {
	Group  byte
	Opcode []byte
	Params []byte
	// SettleDelay is a pause observed after the command completes
	// successfully, before the next command is sent. Some controllers need
	// time to apply a command (a baud-rate switch, for example) before they
	// accept the next one.
	SettleDelay time.Duration
}

var knownGroups = map[byte]bool{
	GroupLinkControl:   true,
	GroupLinkPolicy:    true,
	GroupController:    true,
	GroupInformational: true,
	GroupStatus:        true,
	GroupTesting:       true,
	GroupVendor:        true,
}

// NewCommandDescriptor validates and constructs a CommandDescriptor. The
// opcode and parameter slices are copied, so the descriptor does not alias
// the caller's buffers.
func NewCommandDescriptor(group byte, opcode, params []byte) (CommandDescriptor, error) {
	if !knownGroups[group] {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "unrecognized opcode group %#02x", group)
	}
	if len(opcode) < 1 || len(opcode) > 4 {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "opcode must be 1-4 bytes, got %d", len(opcode))
	}
	if len(params) > MaxParamLength {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "parameters exceed %d bytes, got %d", MaxParamLength, len(params))
	}
	c := CommandDescriptor{
		Group:  group,
		Opcode: append([]byte(nil), opcode...),
	}
	if len(params) > 0 {
		c.Params = append([]byte(nil), params...)
	}
	return c, nil
}

// Equal reports whether two descriptors describe the same command. Equality
// is structural over group, opcode and parameters; the settle delay is a
// scheduling hint and does not participate.
func (c CommandDescriptor) Equal(other CommandDescriptor) bool {
	return c.Group == other.Group &&
		bytes.Equal(c.Opcode, other.Opcode) &&
		bytes.Equal(c.Params, other.Params)
}

// opcodeValue returns the 16-bit HCI opcode (OGF<<10 | OCF) for descriptors
// carrying a standard 2-byte little-endian OCF.
func (c CommandDescriptor) opcodeValue() (uint16, error) {
	if len(c.Opcode) != 2 {
		return 0, errors.Wrapf(ErrInvalidCommand, "HCI transport requires a 2-byte opcode, got %d", len(c.Opcode))
	}
	ocf := binary.LittleEndian.Uint16(c.Opcode)
	if ocf >= 1<<10 {
		return 0, errors.Wrapf(ErrInvalidCommand, "OCF %#04x exceeds 10 bits", ocf)
	}
	return uint16(c.Group)<<10 | ocf, nil
}

func mustCommand(group byte, ocf uint16, params []byte) CommandDescriptor {
	opcode := make([]byte, 2)
	binary.LittleEndian.PutUint16(opcode, ocf)
	c, err := NewCommandDescriptor(group, opcode, params)
	if err != nil {
		panic(err)
	}
	return c
}

// NewResetCommand returns the HCI Reset command. A reset must be the first
// command of every bring-up sequence.
func NewResetCommand() CommandDescriptor {
	return mustCommand(GroupController, ocfReset, nil)
}

// NewDownloadMinidriverCommand returns the vendor command that switches the
// controller into patch-RAM download mode.
func NewDownloadMinidriverCommand() CommandDescriptor {
	c := mustCommand(GroupVendor, ocfDownloadMinidriver, nil)
	// The minidriver needs a moment before it starts accepting writes.
	c.SettleDelay = 50 * time.Millisecond
	return c
}

// NewUpdateBaudRateCommand returns the vendor command that changes the
// controller's UART baud rate. The payload is two zero bytes followed by the
// rate as a little-endian 32-bit integer, per the vendor convention.
func NewUpdateBaudRateCommand(baud int) CommandDescriptor {
	params := make([]byte, 6)
	binary.LittleEndian.PutUint32(params[2:], uint32(baud))
	return mustCommand(GroupVendor, ocfUpdateBaudRate, params)
}

// NewWriteRAMCommand returns the vendor command that writes a chunk of patch
// data at the given controller address.
func NewWriteRAMCommand(address uint32, data []byte) (CommandDescriptor, error) {
	if len(data) == 0 {
		return CommandDescriptor{}, errors.Wrap(ErrInvalidCommand, "write RAM requires data")
	}
	if len(data) > MaxParamLength-4 {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "write RAM data exceeds %d bytes, got %d", MaxParamLength-4, len(data))
	}
	params := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(params, address)
	params = append(params, data...)
	return mustCommand(GroupVendor, ocfWriteRAM, params), nil
}

// NewLaunchRAMCommand returns the vendor command that starts executing the
// downloaded patch. Address 0xFFFFFFFF asks the controller to restart its
// firmware with the patch applied.
func NewLaunchRAMCommand(address uint32) CommandDescriptor {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint32(params, address)
	c := mustCommand(GroupVendor, ocfLaunchRAM, params)
	// The controller reboots into the patched firmware; give it time to
	// come back before anything else is sent.
	c.SettleDelay = 250 * time.Millisecond
	return c
}

// NewWriteBDAddrCommand returns the vendor command that programs the device
// address. The address is given most-significant byte first and sent in the
// reversed on-air order.
func NewWriteBDAddrCommand(addr [6]byte) CommandDescriptor {
	params := make([]byte, 6)
	for i := range addr {
		params[i] = addr[5-i]
	}
	return mustCommand(GroupVendor, ocfWriteBDAddr, params)
}
