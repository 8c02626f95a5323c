//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Builds and runs the testbed against the local Vulkan driver.
func (Run) Testbed() error {
	mg.Deps(Build.Testbed)
	fmt.Println("Run testbed...")
	if _, err := executeCmd("bin/vkupload", withArgs("-config", "config.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs a fixed number of frames with synchronous flushes.
func (Run) Sync() error {
	mg.Deps(Build.Testbed)
	if _, err := executeCmd("bin/vkupload", withArgs("-config", "config.toml", "-sync", "-frames", "600"), withStream()); err != nil {
		return err
	}
	return nil
}
