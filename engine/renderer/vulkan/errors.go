package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
)

var ErrFenceDestroyed = errors.New("fence has been destroyed")

// VulkanError wraps a failed vk.Result together with the call that produced it.
type VulkanError struct {
	Op     string
	Result vk.Result
}

func (e *VulkanError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, VulkanResultString(e.Result, true))
}

// NewVulkanError returns nil for non-error results.
func NewVulkanError(op string, result vk.Result) error {
	if VulkanResultIsSuccess(result) {
		return nil
	}
	return &VulkanError{Op: op, Result: result}
}
