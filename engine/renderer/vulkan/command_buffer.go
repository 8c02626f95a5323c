package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState
}

// Begin starts recording. Upload batches are re-recorded while an earlier
// submission of the same pool may still be pending, hence simultaneous use.
func (v *VulkanCommandBuffer) Begin(simultaneousUse bool) error {
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: 0,
	}
	if simultaneousUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if res := vk.BeginCommandBuffer(v.Handle, &beginInfo); res != vk.Success {
		err := NewVulkanError("vkBeginCommandBuffer", res)
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		err := NewVulkanError("vkEndCommandBuffer", res)
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

// Reset returns the command buffer to the initial state and releases the
// memory its commands held.
func (v *VulkanCommandBuffer) Reset() error {
	flags := vk.CommandBufferResetFlags(vk.CommandBufferResetReleaseResourcesBit)
	if res := vk.ResetCommandBuffer(v.Handle, flags); res != vk.Success {
		return NewVulkanError("vkResetCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_READY
	return nil
}

func (v *VulkanCommandBuffer) CopyBuffer(src submit.Buffer, srcOffset uint64, dst submit.Buffer, dstOffset uint64, size uint64) {
	vk.CmdCopyBuffer(v.Handle, asVulkanBuffer(src).Handle, asVulkanBuffer(dst).Handle, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}})
}

func (v *VulkanCommandBuffer) TransitionImageLayout(image submit.Image, from, to submit.ImageLayout) {
	oldLayout := imageLayout(from)
	newLayout := imageLayout(to)

	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               asVulkanImage(image).Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}

	var sourceStage, destStage vk.PipelineStageFlags
	switch {
	case oldLayout == vk.ImageLayoutUndefined && newLayout == vk.ImageLayoutTransferDstOptimal:
		// Don't care about the old layout, transition to optimal layout for the copy.
		barrier.SrcAccessMask = 0
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		sourceStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
		destStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case oldLayout == vk.ImageLayoutTransferDstOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		// From a transfer destination layout to a shader-readonly layout.
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		sourceStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
		destStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)
	default:
		core.LogWarn("unsupported layout transition %d -> %d, using a full barrier", from, to)
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessMemoryWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
		sourceStage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
		destStage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}

	vk.CmdPipelineBarrier(v.Handle, sourceStage, destStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

func (v *VulkanCommandBuffer) CopyBufferToImage(src submit.Buffer, srcOffset uint64, dst submit.Image) {
	image := asVulkanImage(dst)
	vk.CmdCopyBufferToImage(v.Handle, asVulkanBuffer(src).Handle, image.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{{
		BufferOffset:      vk.DeviceSize(srcOffset),
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageOffset: vk.Offset3D{},
		ImageExtent: vk.Extent3D{Width: image.Width(), Height: image.Height(), Depth: 1},
	}})
}

// VulkanCommandPool is owned by a single worker, so allocation and reset need
// no external locking.
type VulkanCommandPool struct {
	context *VulkanContext

	Handle  vk.CommandPool
	buffers []*VulkanCommandBuffer
}

func NewCommandPool(context *VulkanContext, queueFamilyIndex uint32) (*VulkanCommandPool, error) {
	pool := &VulkanCommandPool{context: context}

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: queueFamilyIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	err := context.LockPool.SafeCall(CommandPoolManagement, func() error {
		var handle vk.CommandPool
		if res := vk.CreateCommandPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &handle); res != vk.Success {
			return NewVulkanError("vkCreateCommandPool", res)
		}
		pool.Handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}
	core.LogDebug("Command pool created for queue family %d.", queueFamilyIndex)
	return pool, nil
}

func (p *VulkanCommandPool) Allocate() (submit.CommandBuffer, error) {
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.Handle,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
		PNext:              nil,
	}

	handles := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(p.context.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
		err := NewVulkanError("vkAllocateCommandBuffers", res)
		core.LogError(err.Error())
		return nil, err
	}

	cb := &VulkanCommandBuffer{
		Handle: handles[0],
		State:  COMMAND_BUFFER_STATE_READY,
	}
	p.buffers = append(p.buffers, cb)
	return cb, nil
}

func (p *VulkanCommandPool) Close() error {
	if p.Handle == nil {
		return nil
	}
	device := p.context.Device.LogicalDevice
	if len(p.buffers) > 0 {
		handles := make([]vk.CommandBuffer, len(p.buffers))
		for i, cb := range p.buffers {
			handles[i] = cb.Handle
			cb.Handle = nil
			cb.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
		}
		vk.FreeCommandBuffers(device, p.Handle, uint32(len(handles)), handles)
		p.buffers = nil
	}
	_ = p.context.LockPool.SafeCall(CommandPoolManagement, func() error {
		vk.DestroyCommandPool(device, p.Handle, p.context.Allocator)
		return nil
	})
	p.Handle = nil
	return nil
}

func asVulkanCommandBuffer(cb submit.CommandBuffer) *VulkanCommandBuffer {
	vcb, ok := cb.(*VulkanCommandBuffer)
	if !ok {
		panic(fmt.Sprintf("vulkan: command buffer of type %T was not allocated by this device", cb))
	}
	return vcb
}
