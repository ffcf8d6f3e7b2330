package btbringup

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// VendorToolOptions configures the vendor-utility adapter.
type VendorToolOptions struct {
	// ToolPath locates the vendor replay utility (for example
	// ampak_bt_utils_aarch64).
	ToolPath string
	// StagingPath is where command files are written before each invocation.
	// Always explicit; the adapter never assumes a process-wide location.
	StagingPath string
	// FirmwarePath is passed through to the utility, which reads the patch
	// file itself.
	FirmwarePath string
	// CommandTimeout bounds one utility invocation. Defaults to 30 seconds.
	CommandTimeout time.Duration
}

type vendorToolExecutor struct {
	opts VendorToolOptions
}

// NewVendorToolExecutor creates an executor that delivers commands by staging
// them in the btcmd text format and invoking an external vendor utility over
// the serial device. Each command is staged and replayed individually so that
// partial progress stays observable per command instead of being collapsed
// into one opaque exit code.
func NewVendorToolExecutor(opts VendorToolOptions) (TransportExecutor, error) {
	if opts.ToolPath == "" {
		return nil, errors.Wrap(ErrTransportOpen, "vendor tool path is required")
	}
	if opts.StagingPath == "" {
		return nil, errors.Wrap(ErrTransportOpen, "staging path is required")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &vendorToolExecutor{opts: opts}, nil
}

type vendorToolHandle struct {
	devicePath string
	baud       int
	closed     bool
}

func (e *vendorToolExecutor) Open(devicePath string, baud int) (TransportHandle, error) {
	if baud <= 0 {
		return nil, errors.Wrapf(ErrTransportOpen, "invalid baud rate %d", baud)
	}
	if _, err := os.Stat(e.opts.ToolPath); err != nil {
		return nil, errors.Wrapf(ErrTransportOpen, "vendor tool %s: %v", e.opts.ToolPath, err)
	}
	return &vendorToolHandle{devicePath: devicePath, baud: baud}, nil
}

func (e *vendorToolExecutor) Close(handle TransportHandle) error {
	h, ok := handle.(*vendorToolHandle)
	if !ok {
		return errors.Wrap(ErrTransportClose, "handle does not belong to this executor")
	}
	if h.closed {
		return nil
	}
	h.closed = true
	// The utility opens and closes the serial device per invocation; the
	// staging file is the only artifact left behind.
	if err := os.Remove(e.opts.StagingPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(ErrTransportClose, "remove staging file: %v", err)
	}
	return nil
}

func (e *vendorToolExecutor) Send(ctx context.Context, handle TransportHandle, desc CommandDescriptor) (CommandResult, error) {
	h, ok := handle.(*vendorToolHandle)
	if !ok {
		return CommandResult{}, errors.Wrap(ErrTransportIO, "handle does not belong to this executor")
	}
	if h.closed {
		return CommandResult{}, errors.Wrap(ErrTransportIO, "handle is closed")
	}
	if err := ctx.Err(); err != nil {
		return CommandResult{}, errors.Wrapf(ErrTransportIO, "send aborted: %v", err)
	}

	if err := e.stage(desc); err != nil {
		return CommandResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, e.opts.ToolPath,
		"-d", h.devicePath,
		"-b", strconv.Itoa(h.baud),
		"-f", e.opts.StagingPath)
	if e.opts.FirmwarePath != "" {
		cmd.Args = append(cmd.Args, "-p", e.opts.FirmwarePath)
	}
	output, err := cmd.CombinedOutput()
	pkgLog.Debugf("vendor tool replayed %s: %q", FormatCommandLine(desc), output)

	result := CommandResult{Descriptor: desc, RawResponse: output}
	switch {
	case err == nil:
		status := byte(StatusSuccess)
		result.Succeeded = true
		result.StatusCode = &status
		return result, nil
	case runCtx.Err() == context.DeadlineExceeded:
		return CommandResult{}, errors.Wrapf(ErrTransportTimeout, "vendor tool exceeded %v", e.opts.CommandTimeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			status := byte(exitErr.ExitCode())
			result.StatusCode = &status
			return result, nil
		}
		return CommandResult{}, errors.Wrapf(ErrTransportIO, "vendor tool: %v", err)
	}
}

func (e *vendorToolExecutor) stage(desc CommandDescriptor) error {
	f, err := os.Create(e.opts.StagingPath)
	if err != nil {
		return errors.Wrapf(ErrTransportIO, "create staging file: %v", err)
	}
	if err := EncodeCommandFile(f, []CommandDescriptor{desc}); err != nil {
		f.Close()
		return errors.Wrapf(ErrTransportIO, "write staging file: %v", err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(ErrTransportIO, "close staging file: %v", err)
	}
	return nil
}
