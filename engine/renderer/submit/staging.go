package submit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/spaghettifunk/vkupload/engine/containers"
	"github.com/spaghettifunk/vkupload/engine/core"
)

const (
	stagingUsage      = BufferUsageTransferSrc
	stagingProperties = MemoryPropertyHostVisible | MemoryPropertyHostCoherent
)

// stagingBuffer is a staging allocation shared by every batch that wrote into it.
// The manager holds one reference while the buffer is active and each batch that
// staged data into it holds another. The native buffer is released with the last
// reference.
type stagingBuffer struct {
	buffer Buffer
	refs   atomic.Int32
}

func newStagingBuffer(buffer Buffer) *stagingBuffer {
	sb := &stagingBuffer{buffer: buffer}
	sb.refs.Store(1)
	return sb
}

func (sb *stagingBuffer) acquire() *stagingRef {
	sb.refs.Add(1)
	return &stagingRef{sb: sb}
}

func (sb *stagingBuffer) release() error {
	n := sb.refs.Add(-1)
	if n < 0 {
		panic("submit: staging buffer released more times than acquired")
	}
	if n == 0 {
		core.LogDebug("releasing staging buffer of %d bytes", sb.buffer.Size())
		return sb.buffer.Close()
	}
	return nil
}

// stagingRef is one reference on a staging buffer, released by Close.
type stagingRef struct {
	sb     *stagingBuffer
	closed atomic.Bool
}

// Buffer returns the staging buffer this reference keeps alive.
func (r *stagingRef) Buffer() Buffer {
	return r.sb.buffer
}

func (r *stagingRef) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.sb.release()
}

// Staged describes where TryStage placed the data.
type Staged struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
}

// StagingManager owns the host visible buffer uploads are copied through. Data is
// appended at a moving cursor; when the buffer is full it is replaced by one at
// least twice as large and the old buffer is retired onto the batch that caused
// the resize.
type StagingManager struct {
	device    Device
	alignment uint64

	mutex   sync.Mutex
	current *stagingBuffer
	offset  uint64
	resizes uint64
	closed  bool
}

func NewStagingManager(device Device, initialSize uint64) (*StagingManager, error) {
	if initialSize == 0 {
		return nil, ErrZeroSizeStage
	}
	buffer, err := device.CreateBuffer(initialSize, stagingUsage, stagingProperties)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}
	return &StagingManager{
		device:    device,
		alignment: device.MinMemoryMapAlignment(),
		current:   newStagingBuffer(buffer),
	}, nil
}

// TryStage copies data into the staging buffer on behalf of batch. The returned
// region is what the batch has to copy from on the GPU. ok is only false if the
// buffer could not be grown enough, which a successful resize rules out.
//
// T must be plain data: its in-memory representation is copied as is.
func TryStage[T any](sm *StagingManager, batch *UploadBatch, data []T) (staged Staged, ok bool, err error) {
	return sm.stage(batch, asBytes(data))
}

func (sm *StagingManager) stage(batch *UploadBatch, src []byte) (Staged, bool, error) {
	size := uint64(len(src))
	if size == 0 {
		return Staged{}, false, ErrZeroSizeStage
	}
	if batch == nil {
		return Staged{}, false, errors.New("staging requires a batch to attribute the data to")
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.closed {
		return Staged{}, false, ErrContextClosed
	}

	offset := containers.AlignUp(sm.offset, sm.alignment)
	if offset+size > sm.current.buffer.Size() {
		if err := sm.resize(batch, size); err != nil {
			return Staged{}, false, err
		}
		offset = 0
	}
	current := sm.current
	if offset+size > current.buffer.Size() {
		return Staged{}, false, nil
	}

	batch.trackStaging(current)

	dst, err := current.buffer.Map(offset, size)
	if err != nil {
		return Staged{}, false, fmt.Errorf("failed to map staging buffer: %w", err)
	}
	copy(dst, src)
	current.buffer.Unmap()

	sm.offset = offset + size
	return Staged{Buffer: current.buffer, Offset: offset, Size: size}, true, nil
}

// resize must be called with the mutex held.
func (sm *StagingManager) resize(batch *UploadBatch, required uint64) error {
	oldSize := sm.current.buffer.Size()
	newSize := max(oldSize*2, required)

	buffer, err := sm.device.CreateBuffer(newSize, stagingUsage, stagingProperties)
	if err != nil {
		return fmt.Errorf("failed to grow staging buffer to %d bytes: %w", newSize, err)
	}

	// The manager's reference moves to the batch; the old buffer is released
	// once that batch and every other batch that used it have completed.
	retired := &stagingRef{sb: sm.current}
	batch.addDependency(retired)

	sm.current = newStagingBuffer(buffer)
	sm.offset = 0
	sm.resizes++

	core.LogDebug("staging buffer resized from %d to %d bytes", oldSize, newSize)
	return nil
}

// Reset moves the cursor back to the start of the buffer. Only call it once every
// submission that read from the buffer has completed.
func (sm *StagingManager) Reset() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.offset = 0
}

// resetIfIdle resets the cursor when idle reports that no batch can still read
// from the buffer. idle is evaluated under the staging lock.
func (sm *StagingManager) resetIfIdle(idle func() bool) bool {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	if !idle() {
		return false
	}
	sm.offset = 0
	return true
}

func (sm *StagingManager) Size() uint64 {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.current.buffer.Size()
}

func (sm *StagingManager) Offset() uint64 {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.offset
}

func (sm *StagingManager) Resizes() uint64 {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.resizes
}

// Close drops the manager's reference on the active buffer.
func (sm *StagingManager) Close() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	if sm.closed {
		return nil
	}
	sm.closed = true
	return sm.current.release()
}

func asBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	n := int(unsafe.Sizeof(zero)) * len(data)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), n)
}
