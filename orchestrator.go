package btbringup

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// runState tracks one bring-up run through its lifecycle. Terminal outcomes
// are stateCompleted and stateFailed; stateClosed is reached from either and
// no path skips it.
type runState int

const (
	stateIdle runState = iota
	stateOpening
	stateSequencing
	stateCompleted
	stateFailed
	stateClosed
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpening:
		return "opening"
	case stateSequencing:
		return "sequencing"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options holds orchestrator policy knobs.
type Options struct {
	// Attempts is the number of whole-run attempts. A failed run is only ever
	// restarted from the first command, never from the middle. Defaults to 1.
	Attempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// CleanupReset sends a best-effort HCI Reset after a failed sequence, to
	// leave the controller in a known state. Its outcome does not affect the
	// report.
	CleanupReset bool
	// PatchCommands are sent between the fixed startup commands and any
	// caller-supplied extras; typically produced by ExpandHexPatch. Leave
	// empty when the executor delivers the patch itself (the vendor-tool
	// adapter does).
	PatchCommands []CommandDescriptor
}

// Orchestrator is the top-level entry point for controller bring-up. It owns
// the transport handle for the duration of one run and guarantees its release
// on every exit path. Concurrent runs against the same device path are
// serialized; the serial link does not support interleaved commands.
type Orchestrator struct {
	executor  TransportExecutor
	options   Options
	sequencer Sequencer

	mu      sync.Mutex
	devices map[string]*sync.Mutex
}

// NewOrchestrator creates an orchestrator that drives bring-up runs through
// the given executor.
func NewOrchestrator(executor TransportExecutor, options Options) *Orchestrator {
	if options.Attempts <= 0 {
		options.Attempts = 1
	}
	return &Orchestrator{
		executor: executor,
		options:  options,
		devices:  make(map[string]*sync.Mutex),
	}
}

// DefaultStartupCommands returns the fixed command list that precedes the
// patch payload: reset, enable patch-RAM download, switch the controller to
// the requested baud rate.
func DefaultStartupCommands(baud int) []CommandDescriptor {
	return []CommandDescriptor{
		NewResetCommand(),
		NewDownloadMinidriverCommand(),
		NewUpdateBaudRateCommand(baud),
	}
}

// Execute performs one bring-up run: validates the firmware image, opens the
// device, replays the startup commands, patch payload and extras in order,
// and returns the per-command report. The firmware file itself is an opaque
// blob; Execute only verifies it exists and is readable before touching the
// device. On sequence failure the configured retry policy reruns the whole
// list from the first command.
func (o *Orchestrator) Execute(ctx context.Context, firmwarePath, devicePath string, baud int, extra []CommandDescriptor) (SequenceReport, error) {
	lock := o.deviceLock(devicePath)
	lock.Lock()
	defer lock.Unlock()

	if err := checkFirmware(firmwarePath); err != nil {
		return SequenceReport{FirstFailureIndex: -1}, err
	}

	commands := DefaultStartupCommands(baud)
	commands = append(commands, o.options.PatchCommands...)
	commands = append(commands, extra...)

	var report SequenceReport
	var err error
	for attempt := 1; attempt <= o.options.Attempts; attempt++ {
		if attempt > 1 {
			pkgLog.Infof("retrying bring-up on %s, attempt %d of %d", devicePath, attempt, o.options.Attempts)
			if !sleepCtx(ctx, o.options.RetryDelay) {
				return report, err
			}
		}
		report, err = o.runOnce(ctx, devicePath, baud, commands)
		if err == nil && report.AllSucceeded {
			return report, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return report, err
}

func (o *Orchestrator) runOnce(ctx context.Context, devicePath string, baud int, commands []CommandDescriptor) (SequenceReport, error) {
	state := stateIdle
	transition := func(next runState) {
		pkgLog.Debugf("bring-up %s: %s -> %s", devicePath, state, next)
		state = next
	}

	transition(stateOpening)
	handle, err := o.executor.Open(devicePath, baud)
	if err != nil {
		transition(stateFailed)
		transition(stateClosed)
		return SequenceReport{FirstFailureIndex: -1}, err
	}

	closed := false
	closeHandle := func() {
		if closed {
			return
		}
		closed = true
		if cerr := o.executor.Close(handle); cerr != nil {
			pkgLog.Errorf("closing %s: %v", devicePath, cerr)
		}
		transition(stateClosed)
	}
	defer closeHandle()

	transition(stateSequencing)
	report := o.sequencer.Run(ctx, commands, o.executor, handle)
	if report.AllSucceeded {
		transition(stateCompleted)
	} else {
		transition(stateFailed)
		if o.options.CleanupReset && ctx.Err() == nil {
			if _, rerr := o.executor.Send(ctx, handle, NewResetCommand()); rerr != nil {
				pkgLog.Errorf("cleanup reset on %s: %v", devicePath, rerr)
			}
		}
	}
	closeHandle()
	return report, nil
}

func (o *Orchestrator) deviceLock(devicePath string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.devices[devicePath]
	if !ok {
		lock = new(sync.Mutex)
		o.devices[devicePath] = lock
	}
	return lock
}

func checkFirmware(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(ErrFirmwareNotFound, "%s: %v", path, err)
	}
	return f.Close()
}
