// Package submittest provides an in-memory submit.Device that executes buffer
// copies the moment they are submitted.
package submittest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

type Buffer struct {
	data   []byte
	closed atomic.Bool
}

func (b *Buffer) Size() uint64                            { return uint64(len(b.data)) }
func (b *Buffer) Map(offset, size uint64) ([]byte, error) { return b.data[offset : offset+size], nil }
func (b *Buffer) Unmap()                                  {}

func (b *Buffer) Close() error {
	b.closed.Store(true)
	return nil
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Closed() bool { return b.closed.Load() }

type Image struct {
	W, H   uint32
	Layout submit.ImageLayout
	Writes int
	closed atomic.Bool
}

func (i *Image) Width() uint32  { return i.W }
func (i *Image) Height() uint32 { return i.H }

func (i *Image) Close() error {
	i.closed.Store(true)
	return nil
}

func (i *Image) Closed() bool { return i.closed.Load() }

// commandBuffer replays its commands when the device executes it.
type commandBuffer struct {
	commands []func()
}

func (c *commandBuffer) Begin(bool) error { return nil }
func (c *commandBuffer) End() error       { return nil }

func (c *commandBuffer) Reset() error {
	c.commands = nil
	return nil
}

func (c *commandBuffer) CopyBuffer(src submit.Buffer, srcOffset uint64, dst submit.Buffer, dstOffset uint64, size uint64) {
	c.commands = append(c.commands, func() {
		copy(dst.(*Buffer).data[dstOffset:dstOffset+size], src.(*Buffer).data[srcOffset:srcOffset+size])
	})
}

func (c *commandBuffer) TransitionImageLayout(image submit.Image, from, to submit.ImageLayout) {
	c.commands = append(c.commands, func() { image.(*Image).Layout = to })
}

func (c *commandBuffer) CopyBufferToImage(src submit.Buffer, srcOffset uint64, dst submit.Image) {
	c.commands = append(c.commands, func() { dst.(*Image).Writes++ })
}

type commandPool struct{}

func (commandPool) Allocate() (submit.CommandBuffer, error) { return &commandBuffer{}, nil }
func (commandPool) Close() error                            { return nil }

type fence struct {
	signaled atomic.Bool
}

func (f *fence) Wait(time.Duration) (bool, error) { return f.signaled.Load(), nil }
func (f *fence) Close() error                     { return nil }

func (f *fence) Reset() error {
	f.signaled.Store(false)
	return nil
}

type Semaphore struct {
	id uint64
}

func (s *Semaphore) ID() uint64 { return s.id }

type Device struct {
	mutex       sync.Mutex
	submissions int
	batches     int
	waits       int
	signals     int
	semaphores  atomic.Uint64
}

func NewDevice() *Device {
	return &Device{}
}

func (d *Device) CreateBuffer(size uint64, _ submit.BufferUsage, _ submit.MemoryProperty) (submit.Buffer, error) {
	return &Buffer{data: make([]byte, size)}, nil
}

func (d *Device) CreateImage(width, height uint32) (submit.Image, error) {
	return &Image{W: width, H: height}, nil
}

func (d *Device) CreateSemaphore() (submit.Semaphore, error) {
	return &Semaphore{id: d.semaphores.Add(1)}, nil
}

func (d *Device) CreateCommandPool() (submit.CommandPool, error) { return commandPool{}, nil }

func (d *Device) CreateFence(signaled bool) (submit.Fence, error) {
	f := &fence{}
	f.signaled.Store(signaled)
	return f, nil
}

func (d *Device) Submit(commandBuffers []submit.CommandBuffer, waits []submit.SemaphoreWait, signals []submit.Semaphore, f submit.Fence) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, cb := range commandBuffers {
		for _, c := range cb.(*commandBuffer).commands {
			c()
		}
	}
	d.submissions++
	d.batches += len(commandBuffers)
	d.waits += len(waits)
	d.signals += len(signals)
	if f != nil {
		f.(*fence).signaled.Store(true)
	}
	return nil
}

func (d *Device) MinMemoryMapAlignment() uint64 { return 16 }

type Counts struct {
	Submissions int
	Batches     int
	Waits       int
	Signals     int
}

func (d *Device) Counts() Counts {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return Counts{
		Submissions: d.submissions,
		Batches:     d.batches,
		Waits:       d.waits,
		Signals:     d.signals,
	}
}
