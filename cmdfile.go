package btbringup

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// The staging file format understood by the vendor replay utility: one
// command per line in the form
//
//	btcmd <group-hex> <opcode-hex> [param-byte-hex ...]
//
// terminated by a line containing only "exit". This is an implementation
// detail of the vendor-tool adapter, not a stable protocol; core logic
// operates on CommandDescriptor values directly.

const (
	cmdFileKeyword    = "btcmd"
	cmdFileTerminator = "exit"
)

// FormatCommandLine renders one descriptor as a btcmd line, without the
// trailing newline.
func FormatCommandLine(desc CommandDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %02x %s", cmdFileKeyword, desc.Group, hex.EncodeToString(desc.Opcode))
	for _, p := range desc.Params {
		fmt.Fprintf(&b, " %02x", p)
	}
	return b.String()
}

// ParseCommandLine parses a single btcmd line back into a descriptor.
func ParseCommandLine(line string) (CommandDescriptor, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != cmdFileKeyword {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "malformed command line %q", line)
	}
	group, err := parseHexByte(fields[1])
	if err != nil {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "bad group in %q: %v", line, err)
	}
	opcode, err := hex.DecodeString(fields[2])
	if err != nil {
		return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "bad opcode in %q: %v", line, err)
	}
	params := make([]byte, 0, len(fields)-3)
	for _, f := range fields[3:] {
		p, err := parseHexByte(f)
		if err != nil {
			return CommandDescriptor{}, errors.Wrapf(ErrInvalidCommand, "bad parameter byte %q: %v", f, err)
		}
		params = append(params, p)
	}
	return NewCommandDescriptor(group, opcode, params)
}

func parseHexByte(s string) (byte, error) {
	if len(s) == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("expected one byte, got %d", len(b))
	}
	return b[0], nil
}

// EncodeCommandFile writes commands in the staging format, ending with the
// exit terminator.
func EncodeCommandFile(w io.Writer, commands []CommandDescriptor) error {
	bw := bufio.NewWriter(w)
	for _, c := range commands {
		if _, err := fmt.Fprintln(bw, FormatCommandLine(c)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(bw, cmdFileTerminator); err != nil {
		return err
	}
	return bw.Flush()
}

// ParseCommandFile reads a staging file back into descriptors. The file must
// end with the exit terminator; content after it is rejected.
func ParseCommandFile(r io.Reader) ([]CommandDescriptor, error) {
	var commands []CommandDescriptor
	scanner := bufio.NewScanner(r)
	terminated := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if terminated {
			return nil, errors.Wrapf(ErrInvalidCommand, "content after %q terminator: %q", cmdFileTerminator, line)
		}
		if line == cmdFileTerminator {
			terminated = true
			continue
		}
		c, err := ParseCommandLine(line)
		if err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !terminated {
		return nil, errors.Wrapf(ErrInvalidCommand, "missing %q terminator", cmdFileTerminator)
	}
	return commands, nil
}
