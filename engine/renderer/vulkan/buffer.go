package vulkan

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

type VulkanBuffer struct {
	context *VulkanContext

	Handle              vk.Buffer
	Memory              vk.DeviceMemory
	TotalSize           uint64
	Usage               vk.BufferUsageFlags
	MemoryIndex         int32
	MemoryPropertyFlags vk.MemoryPropertyFlags

	mapped atomic.Bool
	closed atomic.Bool
}

func NewBuffer(context *VulkanContext, size uint64, usage submit.BufferUsage, properties submit.MemoryProperty) (*VulkanBuffer, error) {
	buffer := &VulkanBuffer{
		context:             context,
		TotalSize:           size,
		Usage:               bufferUsageFlags(usage),
		MemoryPropertyFlags: memoryPropertyFlags(properties),
	}

	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       buffer.Usage,
		SharingMode: vk.SharingModeExclusive, // NOTE: Only used in one queue.
	}

	err := context.LockPool.SafeCall(BufferManagement, func() error {
		var handle vk.Buffer
		if res := vk.CreateBuffer(context.Device.LogicalDevice, &bufferInfo, context.Allocator, &handle); res != vk.Success {
			return NewVulkanError("vkCreateBuffer", res)
		}
		buffer.Handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Gather memory requirements.
	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, buffer.Handle, &requirements)
	requirements.Deref()

	buffer.MemoryIndex = context.FindMemoryIndex(requirements.MemoryTypeBits, uint32(buffer.MemoryPropertyFlags))
	if buffer.MemoryIndex == -1 {
		buffer.destroyHandle()
		return nil, fmt.Errorf("unable to create vulkan buffer because the required memory type index was not found")
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(buffer.MemoryIndex),
	}

	err = context.LockPool.SafeCall(MemoryManagement, func() error {
		var memory vk.DeviceMemory
		if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory); res != vk.Success {
			return NewVulkanError("vkAllocateMemory", res)
		}
		buffer.Memory = memory
		return nil
	})
	if err != nil {
		buffer.destroyHandle()
		return nil, err
	}

	if res := vk.BindBufferMemory(context.Device.LogicalDevice, buffer.Handle, buffer.Memory, 0); res != vk.Success {
		_ = buffer.Close()
		return nil, NewVulkanError("vkBindBufferMemory", res)
	}

	core.LogDebug("Created vulkan buffer of %d bytes (memory type %d).", size, buffer.MemoryIndex)
	return buffer, nil
}

func (vb *VulkanBuffer) Size() uint64 {
	return vb.TotalSize
}

// Map returns a host view over [offset, offset+size). The memory must be host
// visible and the buffer must not already be mapped.
func (vb *VulkanBuffer) Map(offset, size uint64) ([]byte, error) {
	if offset+size > vb.TotalSize {
		return nil, fmt.Errorf("map range %d+%d exceeds buffer size %d", offset, size, vb.TotalSize)
	}
	if !vb.mapped.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("vulkan buffer is already mapped")
	}
	var data unsafe.Pointer
	if res := vk.MapMemory(vb.context.Device.LogicalDevice, vb.Memory, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &data); res != vk.Success {
		vb.mapped.Store(false)
		return nil, NewVulkanError("vkMapMemory", res)
	}
	return unsafe.Slice((*byte)(data), size), nil
}

func (vb *VulkanBuffer) Unmap() {
	if vb.mapped.CompareAndSwap(true, false) {
		vk.UnmapMemory(vb.context.Device.LogicalDevice, vb.Memory)
	}
}

func (vb *VulkanBuffer) Close() error {
	if !vb.closed.CompareAndSwap(false, true) {
		return nil
	}
	vb.Unmap()
	if vb.Memory != nil {
		_ = vb.context.LockPool.SafeCall(MemoryManagement, func() error {
			vk.FreeMemory(vb.context.Device.LogicalDevice, vb.Memory, vb.context.Allocator)
			return nil
		})
		vb.Memory = nil
	}
	vb.destroyHandle()
	vb.TotalSize = 0
	return nil
}

func (vb *VulkanBuffer) destroyHandle() {
	if vb.Handle == nil {
		return
	}
	_ = vb.context.LockPool.SafeCall(BufferManagement, func() error {
		vk.DestroyBuffer(vb.context.Device.LogicalDevice, vb.Handle, vb.context.Allocator)
		return nil
	})
	vb.Handle = nil
}

func asVulkanBuffer(b submit.Buffer) *VulkanBuffer {
	vb, ok := b.(*VulkanBuffer)
	if !ok {
		panic(fmt.Sprintf("vulkan: buffer of type %T was not created by this device", b))
	}
	return vb
}
