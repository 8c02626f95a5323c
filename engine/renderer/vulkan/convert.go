package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

func bufferUsageFlags(usage submit.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if usage&submit.BufferUsageTransferSrc != 0 {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if usage&submit.BufferUsageTransferDst != 0 {
		flags |= vk.BufferUsageTransferDstBit
	}
	if usage&submit.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if usage&submit.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if usage&submit.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if usage&submit.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	return vk.BufferUsageFlags(flags)
}

func memoryPropertyFlags(props submit.MemoryProperty) vk.MemoryPropertyFlags {
	var flags vk.MemoryPropertyFlagBits
	if props&submit.MemoryPropertyDeviceLocal != 0 {
		flags |= vk.MemoryPropertyDeviceLocalBit
	}
	if props&submit.MemoryPropertyHostVisible != 0 {
		flags |= vk.MemoryPropertyHostVisibleBit
	}
	if props&submit.MemoryPropertyHostCoherent != 0 {
		flags |= vk.MemoryPropertyHostCoherentBit
	}
	if props&submit.MemoryPropertyHostCached != 0 {
		flags |= vk.MemoryPropertyHostCachedBit
	}
	return vk.MemoryPropertyFlags(flags)
}

var pipelineStages = []struct {
	stage submit.PipelineStage
	bit   vk.PipelineStageFlagBits
}{
	{submit.PipelineStageTopOfPipe, vk.PipelineStageTopOfPipeBit},
	{submit.PipelineStageVertexInput, vk.PipelineStageVertexInputBit},
	{submit.PipelineStageVertexShader, vk.PipelineStageVertexShaderBit},
	{submit.PipelineStageFragmentShader, vk.PipelineStageFragmentShaderBit},
	{submit.PipelineStageColorAttachmentOutput, vk.PipelineStageColorAttachmentOutputBit},
	{submit.PipelineStageComputeShader, vk.PipelineStageComputeShaderBit},
	{submit.PipelineStageTransfer, vk.PipelineStageTransferBit},
	{submit.PipelineStageBottomOfPipe, vk.PipelineStageBottomOfPipeBit},
	{submit.PipelineStageAllCommands, vk.PipelineStageAllCommandsBit},
}

func pipelineStageFlags(stage submit.PipelineStage) vk.PipelineStageFlags {
	var flags vk.PipelineStageFlagBits
	for _, s := range pipelineStages {
		if stage&s.stage != 0 {
			flags |= s.bit
		}
	}
	// A zero wait mask is invalid; block everything instead.
	if flags == 0 {
		flags = vk.PipelineStageAllCommandsBit
	}
	return vk.PipelineStageFlags(flags)
}

func imageLayout(layout submit.ImageLayout) vk.ImageLayout {
	switch layout {
	case submit.ImageLayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case submit.ImageLayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	default:
		return vk.ImageLayoutUndefined
	}
}
