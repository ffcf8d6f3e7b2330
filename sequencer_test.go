package btbringup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor is an in-memory TransportExecutor that records every call and
// can be told to fail a specific send.
type fakeExecutor struct {
	mu sync.Mutex

	// failSend is the zero-based index, across the executor's lifetime, of
	// the Send call that should fail. -1 never fails.
	failSend int
	// failErr, when set, makes the failing send return a transport error
	// instead of a completed command with a bad status.
	failErr error
	openErr error
	// sendDelay simulates a slow device.
	sendDelay time.Duration

	opens       int
	closes      int
	sent        []CommandDescriptor
	inFlight    int
	maxInFlight int
}

type fakeHandle struct{}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failSend: -1}
}

func (f *fakeExecutor) Open(devicePath string, baud int) (TransportHandle, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeHandle{}, nil
}

func (f *fakeExecutor) Close(handle TransportHandle) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) Send(ctx context.Context, handle TransportHandle, desc CommandDescriptor) (CommandResult, error) {
	f.mu.Lock()
	index := len(f.sent)
	f.sent = append(f.sent, desc)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if index == f.failSend {
		if f.failErr != nil {
			return CommandResult{}, f.failErr
		}
		status := byte(StatusDisallowed)
		return CommandResult{Descriptor: desc, StatusCode: &status}, nil
	}
	status := byte(StatusSuccess)
	return CommandResult{Descriptor: desc, Succeeded: true, StatusCode: &status}, nil
}

func (f *fakeExecutor) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testCommands(n int) []CommandDescriptor {
	commands := make([]CommandDescriptor, 0, n)
	for i := 0; i < n; i++ {
		c, err := NewCommandDescriptor(GroupVendor, []byte{byte(i), 0x00}, []byte{byte(i)})
		if err != nil {
			panic(err)
		}
		commands = append(commands, c)
	}
	return commands
}

func TestSequencerAllSucceed(t *testing.T) {
	exec := newFakeExecutor()
	commands := testCommands(4)

	report := Sequencer{}.Run(context.Background(), commands, exec, &fakeHandle{})

	assert.True(t, report.AllSucceeded)
	assert.Equal(t, -1, report.FirstFailureIndex)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Results, len(commands))
	for i, r := range report.Results {
		assert.True(t, r.Succeeded, "command %d", i)
		assert.True(t, r.Descriptor.Equal(commands[i]))
	}
}

func TestSequencerStopsOnFirstFailure(t *testing.T) {
	for k := 0; k < 5; k++ {
		exec := newFakeExecutor()
		exec.failSend = k
		commands := testCommands(5)

		report := Sequencer{}.Run(context.Background(), commands, exec, &fakeHandle{})

		assert.False(t, report.AllSucceeded)
		assert.Equal(t, k, report.FirstFailureIndex)
		// Commands 0..k executed, nothing beyond k.
		assert.Equal(t, k+1, exec.sendCount())
		require.Len(t, report.Results, k+1)
		assert.False(t, report.Results[k].Succeeded)
	}
}

func TestSequencerTransportErrorRecordsResult(t *testing.T) {
	exec := newFakeExecutor()
	exec.failSend = 2
	exec.failErr = errors.Wrap(ErrTransportTimeout, "no response")
	commands := testCommands(5)

	report := Sequencer{}.Run(context.Background(), commands, exec, &fakeHandle{})

	assert.False(t, report.AllSucceeded)
	assert.Equal(t, 2, report.FirstFailureIndex)
	require.Len(t, report.Results, 3)
	failed := report.Results[2]
	assert.False(t, failed.Succeeded)
	assert.Nil(t, failed.StatusCode)
	assert.True(t, failed.Descriptor.Equal(commands[2]))
	// downloadPatch and launchRam equivalents never attempted.
	assert.Equal(t, 3, exec.sendCount())
}

func TestSequencerFailureCauseRecoverable(t *testing.T) {
	exec := newFakeExecutor()
	exec.failSend = 1
	exec.failErr = errors.Wrap(ErrTransportIO, "broken pipe")

	report := Sequencer{}.Run(context.Background(), testCommands(3), exec, &fakeHandle{})

	require.Error(t, report.FailureCause)
	assert.True(t, errors.Is(report.FailureCause, ErrTransportIO))
	var cmdErr *CommandError
	require.True(t, errors.As(report.FailureCause, &cmdErr))
	assert.Equal(t, 1, cmdErr.Index)
}

func TestSequencerStatusFailureHasNoFailureCause(t *testing.T) {
	exec := newFakeExecutor()
	exec.failSend = 1 // completes with a non-success status, not a transport error

	report := Sequencer{}.Run(context.Background(), testCommands(3), exec, &fakeHandle{})

	assert.False(t, report.AllSucceeded)
	assert.Equal(t, 1, report.FirstFailureIndex)
	assert.NoError(t, report.FailureCause)
}

func TestSequencerOrderPreserved(t *testing.T) {
	exec := newFakeExecutor()
	commands := testCommands(6)

	Sequencer{}.Run(context.Background(), commands, exec, &fakeHandle{})

	require.Len(t, exec.sent, len(commands))
	for i := range commands {
		assert.True(t, exec.sent[i].Equal(commands[i]), "command %d reordered", i)
	}
}

func TestSequencerCancelledBetweenCommands(t *testing.T) {
	exec := newFakeExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := Sequencer{}.Run(ctx, testCommands(3), exec, &fakeHandle{})

	assert.False(t, report.AllSucceeded)
	assert.Equal(t, -1, report.FirstFailureIndex)
	assert.Empty(t, report.Results)
	assert.Equal(t, 0, exec.sendCount())
}

func TestSequencerEmptyList(t *testing.T) {
	exec := newFakeExecutor()

	report := Sequencer{}.Run(context.Background(), nil, exec, &fakeHandle{})

	assert.True(t, report.AllSucceeded)
	assert.Empty(t, report.Results)
	assert.Equal(t, -1, report.FirstFailureIndex)
}
