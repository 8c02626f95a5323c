package vulkan

import (
	"fmt"
	"sync/atomic"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

// VulkanImage is a sampled 2D color image that uploads copy into.
type VulkanImage struct {
	context *VulkanContext

	Handle vk.Image
	Memory vk.DeviceMemory
	Format vk.Format
	width  uint32
	height uint32

	closed atomic.Bool
}

func NewImage(context *VulkanContext, width, height uint32, format vk.Format) (*VulkanImage, error) {
	image := &VulkanImage{
		context: context,
		Format:  format,
		width:   width,
		height:  height,
	}

	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	err := context.LockPool.SafeCall(ImageManagement, func() error {
		var handle vk.Image
		if res := vk.CreateImage(context.Device.LogicalDevice, &imageInfo, context.Allocator, &handle); res != vk.Success {
			return NewVulkanError("vkCreateImage", res)
		}
		image.Handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(context.Device.LogicalDevice, image.Handle, &requirements)
	requirements.Deref()

	memoryIndex := context.FindMemoryIndex(requirements.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memoryIndex == -1 {
		_ = image.Close()
		return nil, fmt.Errorf("required memory type not found, image not valid")
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}
	err = context.LockPool.SafeCall(MemoryManagement, func() error {
		var memory vk.DeviceMemory
		if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory); res != vk.Success {
			return NewVulkanError("vkAllocateMemory", res)
		}
		image.Memory = memory
		return nil
	})
	if err != nil {
		_ = image.Close()
		return nil, err
	}

	if res := vk.BindImageMemory(context.Device.LogicalDevice, image.Handle, image.Memory, 0); res != vk.Success {
		_ = image.Close()
		return nil, NewVulkanError("vkBindImageMemory", res)
	}
	return image, nil
}

func (vi *VulkanImage) Width() uint32  { return vi.width }
func (vi *VulkanImage) Height() uint32 { return vi.height }

func (vi *VulkanImage) Close() error {
	if !vi.closed.CompareAndSwap(false, true) {
		return nil
	}
	device := vi.context.Device.LogicalDevice
	if vi.Memory != nil {
		_ = vi.context.LockPool.SafeCall(MemoryManagement, func() error {
			vk.FreeMemory(device, vi.Memory, vi.context.Allocator)
			return nil
		})
		vi.Memory = nil
	}
	if vi.Handle != nil {
		_ = vi.context.LockPool.SafeCall(ImageManagement, func() error {
			vk.DestroyImage(device, vi.Handle, vi.context.Allocator)
			return nil
		})
		vi.Handle = nil
	}
	return nil
}

func asVulkanImage(i submit.Image) *VulkanImage {
	vi, ok := i.(*VulkanImage)
	if !ok {
		panic(fmt.Sprintf("vulkan: image of type %T was not created by this device", i))
	}
	return vi
}
