package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/spaghettifunk/vkupload/engine/core"
)

// FlushOperation is one aggregated submission in flight. It completes exactly once:
// the first successful wait on its fence closes every dependency and hands the
// batches back to their pools. Waiting again afterwards is a no-op.
type FlushOperation struct {
	id        uuid.UUID
	context   *SubmitContext
	fence     Fence
	ownsFence bool
	batches   []*UploadBatch
	deps      []io.Closer
	completer *BatchPool

	completeOnce sync.Once
	done         chan struct{}
	err          error
	// Set when the fence wait failed and nothing was released.
	abandoned bool

	waiterOnce sync.Once
}

func newFlushOperation(sc *SubmitContext, fence Fence, ownsFence bool, batches []*UploadBatch, deps []io.Closer, completer *BatchPool) *FlushOperation {
	return &FlushOperation{
		id:        uuid.New(),
		context:   sc,
		fence:     fence,
		ownsFence: ownsFence,
		batches:   batches,
		deps:      deps,
		completer: completer,
		done:      make(chan struct{}),
	}
}

// newCompletedFlushOperation is returned when there was nothing to submit.
func newCompletedFlushOperation(sc *SubmitContext) *FlushOperation {
	op := &FlushOperation{
		id:      uuid.New(),
		context: sc,
		done:    make(chan struct{}),
	}
	op.completeOnce.Do(func() {
		close(op.done)
	})
	return op
}

func (op *FlushOperation) ID() uuid.UUID {
	return op.id
}

// BatchCount is the number of batches in this submission.
func (op *FlushOperation) BatchCount() int {
	return len(op.batches)
}

// Done is closed once the operation has completed or failed.
func (op *FlushOperation) Done() <-chan struct{} {
	return op.done
}

func (op *FlushOperation) Completed() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

// Err is the error the operation finished with. Only meaningful after Done.
func (op *FlushOperation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return nil
	}
}

// Wait blocks until the GPU has finished the submission and cleans it up.
func (op *FlushOperation) Wait() error {
	if op.Completed() {
		return op.err
	}
	signaled, err := op.fence.Wait(op.context.fenceTimeout)
	if op.Completed() {
		// Another waiter completed the operation, possibly destroying an owned
		// fence under this wait.
		return op.err
	}
	if err != nil {
		err = fmt.Errorf("failed waiting for flush %s: %w", op.id, err)
		op.fail(err)
		return err
	}
	if !signaled {
		return fmt.Errorf("%w: flush %s", ErrFenceTimeout, op.id)
	}
	op.complete()
	return op.err
}

// WaitAsync waits for completion without tying the caller to the fence. The fence
// is waited on by a background goroutine; cancelling ctx only abandons this wait,
// the submission still completes and is cleaned up.
func (op *FlushOperation) WaitAsync(ctx context.Context) error {
	if op.Completed() {
		return op.err
	}
	op.waiterOnce.Do(func() {
		go op.waitInBackground()
	})
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (op *FlushOperation) waitInBackground() {
	for !op.Completed() {
		err := op.Wait()
		if err == nil {
			return
		}
		if !errors.Is(err, ErrFenceTimeout) {
			core.LogError(err.Error())
			return
		}
	}
}

// complete must only run once the fence has signaled.
func (op *FlushOperation) complete() {
	op.completeOnce.Do(func() {
		var errs []error
		for _, d := range op.deps {
			if err := d.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		clear(op.deps)
		op.deps = nil

		for _, b := range op.batches {
			op.context.returnBatchToPool(b, op.completer)
		}

		if op.ownsFence {
			if err := op.fence.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		op.context.untrackInFlight(op)

		if len(errs) > 0 {
			op.err = fmt.Errorf("flush %s cleanup: %w", op.id, errors.Join(errs...))
			core.LogError(op.err.Error())
		}
		close(op.done)
	})
}

// fail ends the operation without cleanup. The fence state is unknown, so nothing
// the submission referenced can be safely released.
func (op *FlushOperation) fail(err error) {
	op.completeOnce.Do(func() {
		op.err = err
		op.abandoned = true
		op.context.untrackInFlight(op)
		close(op.done)
	})
}
