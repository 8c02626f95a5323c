package vulkan

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

type VulkanFence struct {
	context *VulkanContext

	// Waits hold the read lock on handle so Close cannot destroy the fence
	// under them.
	handleMutex sync.RWMutex
	handle      vk.Fence
	isSignaled  atomic.Bool
}

func NewFence(context *VulkanContext, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{context: context}
	// Make sure to signal the fence if required.
	fence.isSignaled.Store(createSignaled)

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if createSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	err := context.LockPool.SafeCall(SynchronizationManagement, func() error {
		var pFence vk.Fence
		if res := vk.CreateFence(context.Device.LogicalDevice, &fenceCreateInfo, context.Allocator, &pFence); res != vk.Success {
			return NewVulkanError("vkCreateFence", res)
		}
		fence.handle = pFence
		return nil
	})
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	return fence, nil
}

func (vf *VulkanFence) Handle() vk.Fence {
	vf.handleMutex.RLock()
	defer vf.handleMutex.RUnlock()
	return vf.handle
}

func (vf *VulkanFence) IsSignaled() bool {
	return vf.isSignaled.Load()
}

// Wait blocks until the fence signals or timeout elapses. A zero timeout waits
// forever. A timeout is reported as (false, nil).
func (vf *VulkanFence) Wait(timeout time.Duration) (bool, error) {
	if vf.isSignaled.Load() {
		// If already signaled, do not wait.
		return true, nil
	}

	vf.handleMutex.RLock()
	defer vf.handleMutex.RUnlock()
	if vf.handle == nil {
		return false, ErrFenceDestroyed
	}

	timeoutNs := uint64(math.MaxUint64)
	if timeout > 0 {
		timeoutNs = uint64(timeout.Nanoseconds())
	}

	result := vk.WaitForFences(vf.context.Device.LogicalDevice, 1, []vk.Fence{vf.handle}, vk.True, timeoutNs)
	switch result {
	case vk.Success:
		vf.isSignaled.Store(true)
		return true, nil
	case vk.Timeout:
		core.LogWarn("vk_fence_wait - Timed out")
		return false, nil
	default:
		err := NewVulkanError("vkWaitForFences", result)
		core.LogError("vk_fence_wait - %s", err)
		return false, err
	}
}

func (vf *VulkanFence) Reset() error {
	if !vf.isSignaled.Load() {
		return nil
	}

	vf.handleMutex.RLock()
	defer vf.handleMutex.RUnlock()
	if vf.handle == nil {
		return ErrFenceDestroyed
	}
	if res := vk.ResetFences(vf.context.Device.LogicalDevice, 1, []vk.Fence{vf.handle}); res != vk.Success {
		err := NewVulkanError("vkResetFences", res)
		core.LogError(err.Error())
		return err
	}
	vf.isSignaled.Store(false)
	return nil
}

// Close destroys the fence once no wait is using it. Later waits fail with
// ErrFenceDestroyed.
func (vf *VulkanFence) Close() error {
	vf.handleMutex.Lock()
	defer vf.handleMutex.Unlock()
	if vf.handle != nil {
		_ = vf.context.LockPool.SafeCall(SynchronizationManagement, func() error {
			vk.DestroyFence(vf.context.Device.LogicalDevice, vf.handle, vf.context.Allocator)
			return nil
		})
		vf.handle = nil
	}
	vf.isSignaled.Store(false)
	return nil
}

func asVulkanFence(f submit.Fence) *VulkanFence {
	vf, ok := f.(*VulkanFence)
	if !ok {
		panic(fmt.Sprintf("vulkan: fence of type %T was not created by this device", f))
	}
	return vf
}
