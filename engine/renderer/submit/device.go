package submit

import (
	"io"
	"time"
)

// BufferUsage describes how a buffer will be used by the GPU.
type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
)

// MemoryProperty selects the memory heap a buffer is bound to.
type MemoryProperty uint32

const (
	MemoryPropertyDeviceLocal MemoryProperty = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

// PipelineStage is a mask of pipeline stages a semaphore wait blocks.
type PipelineStage uint32

const (
	PipelineStageTopOfPipe PipelineStage = 1 << iota
	PipelineStageVertexInput
	PipelineStageVertexShader
	PipelineStageFragmentShader
	PipelineStageColorAttachmentOutput
	PipelineStageComputeShader
	PipelineStageTransfer
	PipelineStageBottomOfPipe
	PipelineStageAllCommands
)

// ImageLayout is the subset of image layouts an upload moves through.
type ImageLayout int

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutTransferDst
	ImageLayoutShaderReadOnly
)

// Device is the logical device and queue an upload core submits to.
type Device interface {
	CreateBuffer(size uint64, usage BufferUsage, properties MemoryProperty) (Buffer, error)
	CreateCommandPool() (CommandPool, error)
	CreateFence(signaled bool) (Fence, error)
	// Submit issues one queue submission containing every command buffer. waits
	// and signals may be empty; fence may be nil.
	Submit(commandBuffers []CommandBuffer, waits []SemaphoreWait, signals []Semaphore, fence Fence) error
	// MinMemoryMapAlignment is the alignment mapped host pointers are guaranteed to have.
	MinMemoryMapAlignment() uint64
}

// Buffer is a GPU buffer. Close releases it and its memory.
type Buffer interface {
	io.Closer
	Size() uint64
	// Map returns a host view of size bytes starting at offset. It stays valid
	// until Unmap.
	Map(offset, size uint64) ([]byte, error)
	Unmap()
}

// ImageBytesPerPixel is the texel size of uploaded images, which are RGBA8.
const ImageBytesPerPixel = 4

// Image is the destination of an image upload.
type Image interface {
	Width() uint32
	Height() uint32
}

// CommandPool allocates command buffers. It must only be used by one worker.
type CommandPool interface {
	io.Closer
	Allocate() (CommandBuffer, error)
}

// CommandBuffer is a primary command buffer.
type CommandBuffer interface {
	Begin(simultaneousUse bool) error
	End() error
	// Reset releases the resources held by the recorded commands.
	Reset() error
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64)
	TransitionImageLayout(image Image, from, to ImageLayout)
	CopyBufferToImage(src Buffer, srcOffset uint64, dst Image)
}

// Fence is signaled by the GPU once a submission completes.
type Fence interface {
	io.Closer
	// Wait blocks until the fence is signaled or timeout expires. A zero timeout
	// waits forever. It reports whether the fence was signaled.
	Wait(timeout time.Duration) (bool, error)
	Reset() error
}

// Semaphore orders work between queue submissions. ID must be unique per live
// semaphore; it is how duplicates are folded inside one submission.
type Semaphore interface {
	ID() uint64
}

// SemaphoreWait is a semaphore a submission waits on before the given stages run.
type SemaphoreWait struct {
	Semaphore Semaphore
	Stage     PipelineStage
}
