package btbringup

import (
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Largest write-RAM data chunk: the HCI payload limit minus the 4 address
// bytes.
const maxWriteChunk = MaxParamLength - 4

// launchRestartAddress asks the controller to restart its firmware with the
// patch applied, rather than jump to a specific entry point.
const launchRestartAddress = 0xFFFFFFFF

// ExpandHexPatch converts an Intel HEX patch image into the write-RAM command
// sequence that uploads it, followed by a launch-RAM command that restarts
// the controller firmware. This is the host-side equivalent of compiling a
// .hcd from the vendor's .hex release; the binary .hcd container itself is
// never parsed here.
func ExpandHexPatch(r io.Reader) ([]CommandDescriptor, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "failed to parse hex patch image")
	}

	segments := mem.GetDataSegments()
	sort.Slice(segments, func(i, j int) bool { return segments[i].Address < segments[j].Address })

	var commands []CommandDescriptor
	for _, segment := range segments {
		for offset := 0; offset < len(segment.Data); offset += maxWriteChunk {
			chunk := segment.Data[offset:]
			if len(chunk) > maxWriteChunk {
				chunk = chunk[:maxWriteChunk]
			}
			cmd, err := NewWriteRAMCommand(segment.Address+uint32(offset), chunk)
			if err != nil {
				return nil, err
			}
			commands = append(commands, cmd)
		}
		pkgLog.Debugf("expanded patch segment at %X length %v", segment.Address, len(segment.Data))
	}
	if len(commands) == 0 {
		return nil, errors.Wrap(ErrInvalidCommand, "hex patch image contains no data")
	}
	return append(commands, NewLaunchRAMCommand(launchRestartAddress)), nil
}

// LoadHexPatchFile reads and expands a hex patch image from disk.
func LoadHexPatchFile(path string) ([]CommandDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ExpandHexPatch(f)
}
