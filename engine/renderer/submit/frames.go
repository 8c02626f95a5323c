package submit

import (
	"context"
	"errors"

	"github.com/spaghettifunk/vkupload/engine/containers"
)

// FrameRing bounds how many asynchronous flushes may be in flight at once. Pushing
// a new frame when the ring is full first waits for the oldest one.
type FrameRing struct {
	frames *containers.RingQueue[*FlushOperation]
}

func NewFrameRing(framesInFlight int) *FrameRing {
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	return &FrameRing{
		frames: containers.NewRingQueue[*FlushOperation](framesInFlight),
	}
}

// Push records op as the newest frame in flight. If ctx ends while waiting for
// the oldest frame, that frame stays in the ring and op is not recorded.
func (fr *FrameRing) Push(ctx context.Context, op *FlushOperation) error {
	var oldestErr error
	if fr.frames.IsFull() {
		done, err := fr.retireOldest(ctx)
		if !done {
			return err
		}
		oldestErr = err
	}
	if err := fr.frames.Enqueue(op); err != nil {
		return err
	}
	return oldestErr
}

func (fr *FrameRing) Len() int {
	return fr.frames.Len()
}

// Drain waits for every frame still in flight. Frames not yet finished when ctx
// ends are kept for a later Drain.
func (fr *FrameRing) Drain(ctx context.Context) error {
	var errs []error
	for !fr.frames.IsEmpty() {
		done, err := fr.retireOldest(ctx)
		if !done {
			return errors.Join(append(errs, err)...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// retireOldest waits for the oldest frame and only then removes it from the ring.
// done reports whether it was removed; err is the frame's own error when done.
func (fr *FrameRing) retireOldest(ctx context.Context) (done bool, err error) {
	oldest, err := fr.frames.Peek()
	if err != nil {
		return false, err
	}
	if err := oldest.WaitAsync(ctx); err != nil && !oldest.Completed() {
		return false, err
	}
	if _, err := fr.frames.Dequeue(); err != nil {
		return false, err
	}
	return true, oldest.Err()
}
