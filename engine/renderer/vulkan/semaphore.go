package vulkan

import (
	"fmt"
	"sync/atomic"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

var semaphoreIDs atomic.Uint64

// VulkanSemaphore is a binary semaphore. The ID is process unique and is what
// submissions deduplicate on.
type VulkanSemaphore struct {
	context *VulkanContext

	Handle vk.Semaphore
	id     uint64
}

func NewSemaphore(context *VulkanContext) (*VulkanSemaphore, error) {
	semaphore := &VulkanSemaphore{
		context: context,
		id:      semaphoreIDs.Add(1),
	}
	createInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	err := context.LockPool.SafeCall(SynchronizationManagement, func() error {
		var handle vk.Semaphore
		if res := vk.CreateSemaphore(context.Device.LogicalDevice, &createInfo, context.Allocator, &handle); res != vk.Success {
			return NewVulkanError("vkCreateSemaphore", res)
		}
		semaphore.Handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}
	return semaphore, nil
}

func (vs *VulkanSemaphore) ID() uint64 {
	return vs.id
}

func (vs *VulkanSemaphore) Close() error {
	if vs.Handle == nil {
		return nil
	}
	_ = vs.context.LockPool.SafeCall(SynchronizationManagement, func() error {
		vk.DestroySemaphore(vs.context.Device.LogicalDevice, vs.Handle, vs.context.Allocator)
		return nil
	})
	vs.Handle = nil
	return nil
}

func asVulkanSemaphore(s submit.Semaphore) *VulkanSemaphore {
	vs, ok := s.(*VulkanSemaphore)
	if !ok {
		panic(fmt.Sprintf("vulkan: semaphore of type %T was not created by this device", s))
	}
	return vs
}
