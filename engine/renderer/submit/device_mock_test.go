package submit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type mockBuffer struct {
	name   string
	data   []byte
	closes atomic.Int32
	mapped atomic.Bool
}

func (b *mockBuffer) Size() uint64 { return uint64(len(b.data)) }

func (b *mockBuffer) Map(offset, size uint64) ([]byte, error) {
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("map out of range: %d+%d > %d", offset, size, len(b.data))
	}
	if !b.mapped.CompareAndSwap(false, true) {
		return nil, errors.New("buffer already mapped")
	}
	return b.data[offset : offset+size], nil
}

func (b *mockBuffer) Unmap() { b.mapped.Store(false) }

func (b *mockBuffer) Close() error {
	b.closes.Add(1)
	return nil
}

type mockImage struct{ w, h uint32 }

func (i *mockImage) Width() uint32  { return i.w }
func (i *mockImage) Height() uint32 { return i.h }

type copyCmd struct {
	src       Buffer
	srcOffset uint64
	dst       Buffer
	dstOffset uint64
	size      uint64
}

type mockCommandBuffer struct {
	id        int
	recording bool
	begins    int
	resets    int
	commands  []string
	copies    []copyCmd
}

func (c *mockCommandBuffer) Begin(simultaneousUse bool) error {
	if c.recording {
		return errors.New("already recording")
	}
	if !simultaneousUse {
		return errors.New("expected simultaneous use")
	}
	c.recording = true
	c.begins++
	return nil
}

func (c *mockCommandBuffer) End() error {
	if !c.recording {
		return errors.New("not recording")
	}
	c.recording = false
	return nil
}

func (c *mockCommandBuffer) Reset() error {
	c.recording = false
	c.resets++
	c.commands = nil
	c.copies = nil
	return nil
}

func (c *mockCommandBuffer) CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) {
	c.commands = append(c.commands, "copy-buffer")
	c.copies = append(c.copies, copyCmd{src, srcOffset, dst, dstOffset, size})
}

func (c *mockCommandBuffer) TransitionImageLayout(image Image, from, to ImageLayout) {
	c.commands = append(c.commands, fmt.Sprintf("transition %d->%d", from, to))
}

func (c *mockCommandBuffer) CopyBufferToImage(src Buffer, srcOffset uint64, dst Image) {
	c.commands = append(c.commands, "copy-image")
}

type mockCommandPool struct {
	device *mockDevice
	closed atomic.Bool
}

func (p *mockCommandPool) Allocate() (CommandBuffer, error) {
	return &mockCommandBuffer{id: int(p.device.commandBuffers.Add(1))}, nil
}

func (p *mockCommandPool) Close() error {
	p.closed.Store(true)
	return nil
}

type mockFence struct {
	mutex    sync.Mutex
	signal   chan struct{}
	signaled bool
	resets   int
	closed   bool
	// waitErr makes every wait fail as a lost device would.
	waitErr error
	// beforeWait runs once at the start of the next wait.
	beforeWait func()
}

func newMockFence(signaled bool) *mockFence {
	f := &mockFence{signal: make(chan struct{})}
	if signaled {
		f.Signal()
	}
	return f
}

func (f *mockFence) Signal() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.signaled {
		f.signaled = true
		close(f.signal)
	}
}

func (f *mockFence) IsSignaled() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.signaled
}

func (f *mockFence) Wait(timeout time.Duration) (bool, error) {
	f.mutex.Lock()
	hook := f.beforeWait
	f.beforeWait = nil
	f.mutex.Unlock()
	if hook != nil {
		hook()
	}

	f.mutex.Lock()
	ch, closed, waitErr := f.signal, f.closed, f.waitErr
	f.mutex.Unlock()
	if waitErr != nil {
		return false, waitErr
	}
	if closed {
		return false, errors.New("wait on a destroyed fence")
	}

	if timeout == 0 {
		<-ch
		return true, nil
	}
	select {
	case <-ch:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (f *mockFence) Reset() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resets++
	if f.signaled {
		f.signaled = false
		f.signal = make(chan struct{})
	}
	return nil
}

func (f *mockFence) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *mockFence) Closed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

type mockSemaphore struct{ id uint64 }

func (s *mockSemaphore) ID() uint64 { return s.id }

type submission struct {
	commandBuffers []CommandBuffer
	waits          []SemaphoreWait
	signals        []Semaphore
	fence          Fence
}

type mockDevice struct {
	alignment  uint64
	autoSignal bool

	mutex       sync.Mutex
	buffers     []*mockBuffer
	submissions []submission
	fences      []*mockFence
	pools       []*mockCommandPool

	commandBuffers atomic.Int32
}

func newMockDevice() *mockDevice {
	return &mockDevice{alignment: 64, autoSignal: true}
}

func (d *mockDevice) CreateBuffer(size uint64, usage BufferUsage, properties MemoryProperty) (Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	b := &mockBuffer{name: fmt.Sprintf("buffer-%d", len(d.buffers)), data: make([]byte, size)}
	d.buffers = append(d.buffers, b)
	return b, nil
}

func (d *mockDevice) CreateCommandPool() (CommandPool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	p := &mockCommandPool{device: d}
	d.pools = append(d.pools, p)
	return p, nil
}

func (d *mockDevice) CreateFence(signaled bool) (Fence, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	f := newMockFence(signaled)
	d.fences = append(d.fences, f)
	return f, nil
}

func (d *mockDevice) Submit(commandBuffers []CommandBuffer, waits []SemaphoreWait, signals []Semaphore, fence Fence) error {
	d.mutex.Lock()
	d.submissions = append(d.submissions, submission{
		commandBuffers: append([]CommandBuffer(nil), commandBuffers...),
		waits:          append([]SemaphoreWait(nil), waits...),
		signals:        append([]Semaphore(nil), signals...),
		fence:          fence,
	})
	d.mutex.Unlock()

	if d.autoSignal && fence != nil {
		fence.(*mockFence).Signal()
	}
	return nil
}

func (d *mockDevice) MinMemoryMapAlignment() uint64 { return d.alignment }

func (d *mockDevice) Submissions() []submission {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]submission(nil), d.submissions...)
}

// closer records how often it was closed and whether a fence had signaled by then.
type closer struct {
	fence            *mockFence
	closes           atomic.Int32
	closedUnsignaled atomic.Bool
}

func (c *closer) Close() error {
	c.closes.Add(1)
	if c.fence != nil && !c.fence.IsSignaled() {
		c.closedUnsignaled.Store(true)
	}
	return nil
}
