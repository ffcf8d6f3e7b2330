package btbringup

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandDescriptorValidation(t *testing.T) {
	tests := []struct {
		name   string
		group  byte
		opcode []byte
		params []byte
		ok     bool
	}{
		{"vendor command", GroupVendor, []byte{0x4C, 0x00}, []byte{1, 2}, true},
		{"controller command", GroupController, []byte{0x03, 0x00}, nil, true},
		{"single byte opcode", GroupVendor, []byte{0x01}, nil, true},
		{"four byte opcode", GroupVendor, []byte{1, 2, 3, 4}, nil, true},
		{"max params", GroupVendor, []byte{0x4C, 0x00}, make([]byte, MaxParamLength), true},
		{"unknown group", 0x20, []byte{0x01, 0x00}, nil, false},
		{"empty opcode", GroupVendor, nil, nil, false},
		{"opcode too long", GroupVendor, []byte{1, 2, 3, 4, 5}, nil, false},
		{"params too long", GroupVendor, []byte{0x4C, 0x00}, make([]byte, MaxParamLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommandDescriptor(tt.group, tt.opcode, tt.params)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidCommand))
			}
		})
	}
}

func TestCommandDescriptorIsImmutable(t *testing.T) {
	opcode := []byte{0x4C, 0x00}
	params := []byte{0xAA, 0xBB}
	c, err := NewCommandDescriptor(GroupVendor, opcode, params)
	require.NoError(t, err)

	opcode[0] = 0xFF
	params[0] = 0xFF

	assert.Equal(t, []byte{0x4C, 0x00}, c.Opcode)
	assert.Equal(t, []byte{0xAA, 0xBB}, c.Params)
}

func TestCommandDescriptorEqual(t *testing.T) {
	a, err := NewCommandDescriptor(GroupVendor, []byte{0x4C, 0x00}, []byte{1, 2})
	require.NoError(t, err)
	b, err := NewCommandDescriptor(GroupVendor, []byte{0x4C, 0x00}, []byte{1, 2})
	require.NoError(t, err)
	c, err := NewCommandDescriptor(GroupVendor, []byte{0x4C, 0x00}, []byte{1, 3})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	assert.False(t, a.Equal(c))

	// The settle delay is a scheduling hint, not part of the command.
	b.SettleDelay = 100
	assert.True(t, a.Equal(b))
}

func TestResetCommand(t *testing.T) {
	c := NewResetCommand()
	assert.Equal(t, byte(GroupController), c.Group)
	assert.Equal(t, []byte{0x03, 0x00}, c.Opcode)
	assert.Empty(t, c.Params)
}

func TestUpdateBaudRateCommandEncoding(t *testing.T) {
	c := NewUpdateBaudRateCommand(115200)
	assert.Equal(t, byte(GroupVendor), c.Group)
	assert.Equal(t, []byte{0x18, 0x00}, c.Opcode)
	// Two zero bytes then the rate little-endian: 115200 = 0x0001C200.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0xC2, 0x01, 0x00}, c.Params)
}

func TestWriteRAMCommandEncoding(t *testing.T) {
	c, err := NewWriteRAMCommand(0x00211000, []byte{0xDE, 0xAD})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4C, 0x00}, c.Opcode)
	assert.Equal(t, []byte{0x00, 0x10, 0x21, 0x00, 0xDE, 0xAD}, c.Params)

	_, err = NewWriteRAMCommand(0, nil)
	assert.True(t, errors.Is(err, ErrInvalidCommand))

	_, err = NewWriteRAMCommand(0, make([]byte, MaxParamLength-3))
	assert.True(t, errors.Is(err, ErrInvalidCommand))
}

func TestLaunchRAMCommandEncoding(t *testing.T) {
	c := NewLaunchRAMCommand(0xFFFFFFFF)
	assert.Equal(t, []byte{0x4E, 0x00}, c.Opcode)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, c.Params)
}

func TestWriteBDAddrCommandReversesOctets(t *testing.T) {
	c := NewWriteBDAddrCommand([6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	assert.Equal(t, []byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, c.Params)
}

func TestOpcodeValue(t *testing.T) {
	c := NewResetCommand()
	op, err := c.opcodeValue()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0C03), op)

	d := NewDownloadMinidriverCommand()
	op, err = d.opcodeValue()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFC2E), op)

	long, err := NewCommandDescriptor(GroupVendor, []byte{1, 2, 3}, nil)
	require.NoError(t, err)
	_, err = long.opcodeValue()
	assert.True(t, errors.Is(err, ErrInvalidCommand))

	big, err := NewCommandDescriptor(GroupVendor, []byte{0xFF, 0x07}, nil)
	require.NoError(t, err)
	_, err = big.opcodeValue()
	assert.True(t, errors.Is(err, ErrInvalidCommand))
}

func TestGetStatusString(t *testing.T) {
	assert.Equal(t, "success", GetStatusString(StatusSuccess))
	assert.Equal(t, "command disallowed", GetStatusString(StatusDisallowed))
	assert.Equal(t, "unrecognized status", GetStatusString(0xEE))
}

func TestDescriptorDoesNotAliasParams(t *testing.T) {
	data := bytes.Repeat([]byte{0x55}, 8)
	c, err := NewWriteRAMCommand(0x1000, data)
	require.NoError(t, err)
	data[0] = 0
	assert.Equal(t, byte(0x55), c.Params[4])
}
