package btbringup

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommandResult records the outcome of one executed command. Created by the
// Sequencer and never mutated afterward.
type CommandResult struct {
	Descriptor CommandDescriptor
	Succeeded  bool
	// StatusCode is the controller's status byte, when a response was
	// received at all. Nil after a transport-level failure.
	StatusCode  *byte
	RawResponse []byte
}

// SequenceReport summarizes one run of an ordered command list.
type SequenceReport struct {
	RunID   string
	Results []CommandResult
	// AllSucceeded is true only when every command in the list executed and
	// succeeded.
	AllSucceeded bool
	// FirstFailureIndex is the position of the command that stopped the run,
	// or -1 when no command failed. A run cancelled between commands also
	// reports -1: no command failed, the list is simply truncated.
	FirstFailureIndex int
	// FailureCause is set when the failing command died at the transport
	// level rather than completing with a bad status. It wraps the failing
	// command's position in a *CommandError around the underlying
	// ErrTransportTimeout or ErrTransportIO, recoverable with errors.As and
	// errors.Is.
	FailureCause error
}

// Sequencer drives an ordered command list through a TransportExecutor.
// Commands are device-initialization steps with real ordering dependencies
// (a reset must precede a firmware download), so the sequencer never
// reorders, parallelizes, or retries them. On the first failure it stops
// immediately: continuing past a failed bring-up step could leave the
// controller in an undefined state. Retry policy belongs to the caller, and
// only ever restarts the whole list from the beginning.
type Sequencer struct{}

// Run executes commands strictly in order over the given handle. Every
// failure mode still produces a report, so the caller can inspect exactly
// which command failed. Cancellation is honored between commands only; an
// in-flight send/response pair is atomic.
func (Sequencer) Run(ctx context.Context, commands []CommandDescriptor, executor TransportExecutor, handle TransportHandle) SequenceReport {
	report := SequenceReport{
		RunID:             uuid.NewString(),
		Results:           make([]CommandResult, 0, len(commands)),
		FirstFailureIndex: -1,
	}
	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			pkgLog.Infof("run %s cancelled before command %d: %v", report.RunID, i, err)
			return report
		}
		result, err := executor.Send(ctx, handle, cmd)
		if err != nil {
			pkgLog.Errorf("run %s: command %d failed: %v", report.RunID, i, err)
			report.FailureCause = &CommandError{Index: i, Err: err}
			result = CommandResult{Descriptor: cmd}
		}
		report.Results = append(report.Results, result)
		if !result.Succeeded {
			if result.StatusCode != nil {
				pkgLog.Errorf("run %s: command %d returned status %#02x (%s)",
					report.RunID, i, *result.StatusCode, GetStatusString(*result.StatusCode))
			}
			report.FirstFailureIndex = i
			return report
		}
		if cmd.SettleDelay > 0 && !sleepCtx(ctx, cmd.SettleDelay) {
			pkgLog.Infof("run %s cancelled during settle delay after command %d", report.RunID, i)
			report.AllSucceeded = len(report.Results) == len(commands)
			return report
		}
	}
	report.AllSucceeded = len(report.Results) == len(commands)
	return report
}

// sleepCtx pauses for d, returning false if the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
