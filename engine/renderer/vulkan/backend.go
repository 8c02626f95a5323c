package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

var (
	_ submit.Device        = (*VulkanBackend)(nil)
	_ submit.Buffer        = (*VulkanBuffer)(nil)
	_ submit.Image         = (*VulkanImage)(nil)
	_ submit.CommandPool   = (*VulkanCommandPool)(nil)
	_ submit.CommandBuffer = (*VulkanCommandBuffer)(nil)
	_ submit.Fence         = (*VulkanFence)(nil)
	_ submit.Semaphore     = (*VulkanSemaphore)(nil)
)

// VulkanBackend is a headless Vulkan device. It implements submit.Device on
// top of the graphics queue.
type VulkanBackend struct {
	context *VulkanContext

	debug bool
}

func New(debug bool) *VulkanBackend {
	return &VulkanBackend{
		context: &VulkanContext{
			Allocator: nil,
			Device:    &VulkanDevice{GraphicsQueueIndex: -1, TransferQueueIndex: -1},
			LockPool:  NewVulkanLockPool(),
		},
		debug: debug,
	}
}

func (vb *VulkanBackend) Context() *VulkanContext {
	return vb.context
}

func (vb *VulkanBackend) Initialize(appName string) error {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return fmt.Errorf("failed to load the vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return fmt.Errorf("failed to initialize vk: %w", err)
	}

	// Setup Vulkan instance.
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString(EngineName),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// No surface, so only portability and debug extensions are needed.
	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	if vb.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
		core.LogDebug("Required extensions: %v", requiredExtensions)
	}

	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	// Validation layers are only enabled in debug mode.
	requiredValidationLayerNames := []string{}
	if vb.debug {
		core.LogInfo("Validation layers enabled. Enumerating...")
		requiredValidationLayerNames = []string{"VK_LAYER_KHRONOS_validation"}
		if err := checkValidationLayers(requiredValidationLayerNames); err != nil {
			return err
		}
		core.LogInfo("All required validation layers are present.")
	}

	createInfo.EnabledLayerCount = uint32(len(requiredValidationLayerNames))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(requiredValidationLayerNames)

	err := vb.context.LockPool.SafeCall(InstanceManagement, func() error {
		var instance vk.Instance
		if res := vk.CreateInstance(&createInfo, vb.context.Allocator, &instance); res != vk.Success {
			return NewVulkanError("vkCreateInstance", res)
		}
		vb.context.Instance = instance
		return vk.InitInstance(instance)
	})
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	// Debugger
	if vb.debug {
		core.LogDebug("Creating Vulkan debugger...")
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
			PNext:       nil,
		}

		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vb.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogError("vk.CreateDebugReportCallback failed with %s", err)
			return err
		}
		vb.context.debugMessenger = dbg
		core.LogDebug("Vulkan debugger created.")
	}

	// Device creation
	err = vb.context.LockPool.SafeCall(DeviceManagement, func() error {
		return DeviceCreate(vb.context)
	})
	if err != nil {
		core.LogError("Failed to create device: %s", err)
		return err
	}

	core.LogInfo("Vulkan backend initialized successfully.")
	return nil
}

func checkValidationLayers(required []string) error {
	var availableLayerCount uint32
	if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, nil); res != vk.Success {
		return NewVulkanError("vkEnumerateInstanceLayerProperties", res)
	}
	availableLayers := make([]vk.LayerProperties, availableLayerCount)
	if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, availableLayers); res != vk.Success {
		return NewVulkanError("vkEnumerateInstanceLayerProperties", res)
	}

	// Verify all required layers are available.
	for _, name := range required {
		core.LogInfo("Searching for layer: %s...", name)
		found := false
		for j := range availableLayers {
			availableLayers[j].Deref()
			if name == cString(availableLayers[j].LayerName[:]) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("required validation layer is missing: %s", name)
		}
	}
	return nil
}

// Shutdown waits for the device to go idle and releases the device and
// instance. Every resource created through the backend must be closed first.
func (vb *VulkanBackend) Shutdown() error {
	var err error
	if vb.context.Device.LogicalDevice != nil {
		if res := vk.DeviceWaitIdle(vb.context.Device.LogicalDevice); res != vk.Success {
			err = NewVulkanError("vkDeviceWaitIdle", res)
		}
	}

	DeviceDestroy(vb.context)

	if vb.context.debugMessenger != nil {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(vb.context.Instance, vb.context.debugMessenger, vb.context.Allocator)
		vb.context.debugMessenger = nil
	}

	if vb.context.Instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(vb.context.Instance, vb.context.Allocator)
		vb.context.Instance = nil
	}
	return err
}

func (vb *VulkanBackend) CreateBuffer(size uint64, usage submit.BufferUsage, properties submit.MemoryProperty) (submit.Buffer, error) {
	b, err := NewBuffer(vb.context, size, usage, properties)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateImage creates a device local RGBA8 image that can be uploaded to and sampled.
func (vb *VulkanBackend) CreateImage(width, height uint32) (submit.Image, error) {
	img, err := NewImage(vb.context, width, height, vk.FormatR8g8b8a8Unorm)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (vb *VulkanBackend) CreateCommandPool() (submit.CommandPool, error) {
	p, err := NewCommandPool(vb.context, vb.context.Device.UploadQueueIndex())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (vb *VulkanBackend) CreateFence(signaled bool) (submit.Fence, error) {
	f, err := NewFence(vb.context, signaled)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (vb *VulkanBackend) CreateSemaphore() (submit.Semaphore, error) {
	s, err := NewSemaphore(vb.context)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Submit issues a single vkQueueSubmit on the upload queue. The queue mutex
// serializes it against other submitters.
func (vb *VulkanBackend) Submit(commandBuffers []submit.CommandBuffer, waits []submit.SemaphoreWait, signals []submit.Semaphore, fence submit.Fence) error {
	buffers := make([]*VulkanCommandBuffer, len(commandBuffers))
	handles := make([]vk.CommandBuffer, len(commandBuffers))
	for i, cb := range commandBuffers {
		buffers[i] = asVulkanCommandBuffer(cb)
		handles[i] = buffers[i].Handle
	}

	waitHandles := make([]vk.Semaphore, len(waits))
	waitStages := make([]vk.PipelineStageFlags, len(waits))
	for i, w := range waits {
		waitHandles[i] = asVulkanSemaphore(w.Semaphore).Handle
		waitStages[i] = pipelineStageFlags(w.Stage)
	}

	signalHandles := make([]vk.Semaphore, len(signals))
	for i, s := range signals {
		signalHandles[i] = asVulkanSemaphore(s).Handle
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waitHandles)),
		PWaitSemaphores:      waitHandles,
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   uint32(len(handles)),
		PCommandBuffers:      handles,
		SignalSemaphoreCount: uint32(len(signalHandles)),
		PSignalSemaphores:    signalHandles,
	}

	fenceHandle := vk.NullFence
	if fence != nil {
		fenceHandle = asVulkanFence(fence).Handle()
	}

	device := vb.context.Device
	err := vb.context.LockPool.SafeQueueCall(device.UploadQueueIndex(), func() error {
		return NewVulkanError("vkQueueSubmit", vk.QueueSubmit(device.UploadQueue(), 1, []vk.SubmitInfo{submitInfo}, fenceHandle))
	})
	if err != nil {
		core.LogError(err.Error())
		return err
	}

	for _, cb := range buffers {
		cb.UpdateSubmitted()
	}
	return nil
}

// MinMemoryMapAlignment is the staging cursor alignment. It also honours the
// optimal copy offset so image copies out of staging memory stay valid. All
// three are powers of two, so the largest is a multiple of the others.
func (vb *VulkanBackend) MinMemoryMapAlignment() uint64 {
	limits := vb.context.Device.Properties.Limits
	return max(uint64(limits.MinMemoryMapAlignment), uint64(limits.OptimalBufferCopyOffsetAlignment), minCopyOffsetAlignment)
}

func (vb *VulkanBackend) WaitIdle() error {
	return NewVulkanError("vkDeviceWaitIdle", vk.DeviceWaitIdle(vb.context.Device.LogicalDevice))
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		core.LogDebug("DEBUG: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
