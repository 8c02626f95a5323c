package vulkan

const EngineName = "vkupload"

// Buffer to image copies need 4 byte aligned source offsets.
const minCopyOffsetAlignment uint64 = 4
