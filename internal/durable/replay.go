package durable

import (
	"encoding/json"
	"fmt"

	"signal_trader/internal/core"
	"signal_trader/internal/durable/history"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"
)

// Execution is the outcome of replaying a workflow against its history
type Execution struct {
	// Commands are the scheduling events emitted past the end of history, in call order
	Commands []history.Event
	// Done is set when the workflow function returned (or panicked)
	Done   bool
	Output json.RawMessage
	Err    error
	// Corruption is set when history and code disagree; the instance must not be resumed
	Corruption error
}

// Replay runs fn from the start against events until it returns or awaits an unrecorded outcome.
// Replaying the same history always yields the same execution.
func Replay(fn WorkflowFunc, inst *history.Instance, events []history.Event, defaultRetry retry.Policy, logger core.ILogger) *Execution {
	c, err := newContext(inst, events, defaultRetry, logger)
	if err != nil {
		return &Execution{Corruption: err}
	}

	exec := &Execution{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			// recover returns nil when the goroutine is leaving through runtime.Goexit
			if r := recover(); r != nil {
				exec.Done = true
				exec.Err = fmt.Errorf("workflow panic: %v", r)
			}
		}()

		out, err := fn(c)
		exec.Done = true
		if err != nil {
			exec.Err = err
			return
		}
		data, err := encode(out)
		if err != nil {
			exec.Err = err
			return
		}
		exec.Output = data
	}()
	<-done

	if c.abortErr != nil {
		return &Execution{Corruption: c.abortErr}
	}
	if exec.Done && c.nextID < c.maxRecorded {
		return &Execution{Corruption: fmt.Errorf("instance %s: workflow returned after %d calls but history records %d: %w: %w",
			inst.InstanceID, c.nextID, c.maxRecorded, apperrors.ErrNonDeterminism, apperrors.ErrHistoryCorruption)}
	}

	exec.Commands = c.commands
	return exec
}
