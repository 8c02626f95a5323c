package submit

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

type BatchState int

const (
	// Allocated from the pool but never recorded into.
	BatchStateFresh BatchState = iota
	BatchStateRecording
	// Owned by the submit context until its flush completes.
	BatchStateSubmitted
	// Cleared and back in its pool.
	BatchStatePoolReset
)

func (s BatchState) String() string {
	switch s {
	case BatchStateFresh:
		return "fresh"
	case BatchStateRecording:
		return "recording"
	case BatchStateSubmitted:
		return "submitted"
	case BatchStatePoolReset:
		return "pool-reset"
	default:
		return fmt.Sprintf("BatchState(%d)", int(s))
	}
}

// UploadBatch is one command buffer worth of GPU work together with the
// semaphores and resources tied to it. A batch belongs to the worker that created
// it until Submit; after that it must not be touched.
type UploadBatch struct {
	id            uuid.UUID
	context       *SubmitContext
	pool          *BatchPool
	commandBuffer CommandBuffer

	state BatchState
	inUse bool

	signals      []Semaphore
	waits        []SemaphoreWait
	waitIndex    map[uint64]int
	dependencies []io.Closer
	staged       map[*stagingBuffer]struct{}
}

func newUploadBatch(sc *SubmitContext, pool *BatchPool, cb CommandBuffer) *UploadBatch {
	return &UploadBatch{
		id:            uuid.New(),
		context:       sc,
		pool:          pool,
		commandBuffer: cb,
		state:         BatchStateFresh,
		waitIndex:     make(map[uint64]int),
		staged:        make(map[*stagingBuffer]struct{}),
	}
}

func (b *UploadBatch) ID() uuid.UUID {
	return b.id
}

func (b *UploadBatch) State() BatchState {
	return b.state
}

// Worker is the worker whose pool allocated this batch.
func (b *UploadBatch) Worker() WorkerID {
	return b.pool.worker
}

// CommandBuffer gives direct access to the recording command buffer for commands
// the batch has no helper for.
func (b *UploadBatch) CommandBuffer() CommandBuffer {
	return b.commandBuffer
}

// StageToBuffer copies data into the staging buffer and records a copy of size
// bytes from there into dst at dstOffset.
func StageToBuffer[T any](b *UploadBatch, data []T, dst Buffer, dstOffset, size uint64) error {
	if err := b.checkRecording(); err != nil {
		return err
	}
	if size == 0 {
		return ErrZeroSizeStage
	}
	staged, err := b.stage(asBytes(data))
	if err != nil {
		return err
	}
	if size > staged.Size {
		return fmt.Errorf("%w: %d > %d", ErrStageSizeMismatch, size, staged.Size)
	}
	b.commandBuffer.CopyBuffer(staged.Buffer, staged.Offset, dst, dstOffset, size)
	return nil
}

// StageToImage uploads tightly packed pixel data into the whole of dst and leaves
// the image ready to be sampled from shaders.
func StageToImage[T any](b *UploadBatch, data []T, dst Image) error {
	if err := b.checkRecording(); err != nil {
		return err
	}
	src := asBytes(data)
	size := uint64(dst.Width()) * uint64(dst.Height()) * ImageBytesPerPixel
	if size == 0 {
		return ErrZeroSizeStage
	}
	if uint64(len(src)) < size {
		return fmt.Errorf("%w: %dx%d image needs %d bytes, got %d", ErrStageSizeMismatch, dst.Width(), dst.Height(), size, len(src))
	}
	staged, err := b.stage(src[:size])
	if err != nil {
		return err
	}
	b.commandBuffer.TransitionImageLayout(dst, ImageLayoutUndefined, ImageLayoutTransferDst)
	b.commandBuffer.CopyBufferToImage(staged.Buffer, staged.Offset, dst)
	b.commandBuffer.TransitionImageLayout(dst, ImageLayoutTransferDst, ImageLayoutShaderReadOnly)
	return nil
}

func (b *UploadBatch) stage(src []byte) (Staged, error) {
	staged, ok, err := b.context.staging.stage(b, src)
	if err != nil {
		return Staged{}, err
	}
	if !ok {
		return Staged{}, fmt.Errorf("%w: %d bytes", ErrStagingExhausted, len(src))
	}
	return staged, nil
}

// AddDependency defers closing r until the GPU has finished this batch.
func (b *UploadBatch) AddDependency(r io.Closer) error {
	if err := b.checkRecording(); err != nil {
		return err
	}
	b.addDependency(r)
	return nil
}

func (b *UploadBatch) addDependency(r io.Closer) {
	b.dependencies = append(b.dependencies, r)
}

// AddWaitSemaphore makes the submission wait on s before stage runs. Waiting on
// the same semaphore twice merges the stage masks.
func (b *UploadBatch) AddWaitSemaphore(s Semaphore, stage PipelineStage) error {
	if err := b.checkRecording(); err != nil {
		return err
	}
	if i, ok := b.waitIndex[s.ID()]; ok {
		b.waits[i].Stage |= stage
		return nil
	}
	b.waitIndex[s.ID()] = len(b.waits)
	b.waits = append(b.waits, SemaphoreWait{Semaphore: s, Stage: stage})
	return nil
}

func (b *UploadBatch) AddSignalSemaphore(s Semaphore) error {
	if err := b.checkRecording(); err != nil {
		return err
	}
	for _, existing := range b.signals {
		if existing.ID() == s.ID() {
			return nil
		}
	}
	b.signals = append(b.signals, s)
	return nil
}

// Dependencies returns a copy of the resources waiting on this batch.
func (b *UploadBatch) Dependencies() []io.Closer {
	return append([]io.Closer(nil), b.dependencies...)
}

func (b *UploadBatch) WaitSemaphores() []SemaphoreWait {
	return append([]SemaphoreWait(nil), b.waits...)
}

func (b *UploadBatch) SignalSemaphores() []Semaphore {
	return append([]Semaphore(nil), b.signals...)
}

// Submit ends recording and queues the batch for the next flush.
func (b *UploadBatch) Submit() error {
	if err := b.checkRecording(); err != nil {
		return err
	}
	if err := b.commandBuffer.End(); err != nil {
		return fmt.Errorf("failed to end batch %s: %w", b.id, err)
	}
	b.state = BatchStateSubmitted
	return b.context.addSubmission(b)
}

// MarkInUse flags the batch as checked out so it cannot be reset under its user.
func (b *UploadBatch) MarkInUse() {
	b.inUse = true
}

func (b *UploadBatch) InUse() bool {
	return b.inUse
}

// ResetForPool puts the command buffer back into the recording state with nothing
// recorded and drops every semaphore and dependency. The command buffer itself is
// kept.
func (b *UploadBatch) ResetForPool() error {
	if b.inUse {
		return fmt.Errorf("%w: %s", ErrBatchInUse, b.id)
	}
	if b.state != BatchStateFresh {
		if err := b.commandBuffer.Reset(); err != nil {
			return fmt.Errorf("failed to reset batch %s: %w", b.id, err)
		}
	}
	b.clear()
	if err := b.commandBuffer.Begin(true); err != nil {
		return fmt.Errorf("failed to begin batch %s: %w", b.id, err)
	}
	b.state = BatchStateRecording
	return nil
}

// release runs when the batch's submission has completed. It only touches Go
// state, so it is safe on any goroutine.
func (b *UploadBatch) release() {
	b.clear()
	b.state = BatchStatePoolReset
	b.inUse = false
}

func (b *UploadBatch) clear() {
	clear(b.signals)
	b.signals = b.signals[:0]
	clear(b.waits)
	b.waits = b.waits[:0]
	clear(b.waitIndex)
	clear(b.dependencies)
	b.dependencies = b.dependencies[:0]
	clear(b.staged)
}

// trackStaging takes a reference on sb the first time this batch writes into it.
func (b *UploadBatch) trackStaging(sb *stagingBuffer) {
	if _, ok := b.staged[sb]; ok {
		return
	}
	b.staged[sb] = struct{}{}
	b.addDependency(sb.acquire())
}

// takeDependencies hands the batch's dependencies to a flush.
func (b *UploadBatch) takeDependencies(dst []io.Closer) []io.Closer {
	dst = append(dst, b.dependencies...)
	clear(b.dependencies)
	b.dependencies = b.dependencies[:0]
	return dst
}

func (b *UploadBatch) checkRecording() error {
	if b.state != BatchStateRecording {
		return fmt.Errorf("%w: batch %s is %s", ErrBatchNotRecording, b.id, b.state)
	}
	return nil
}
