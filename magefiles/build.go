//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidies the module and downloads its dependencies.
func (Build) Deps() error {
	return goTidy()
}

// Builds the testbed binary into bin/.
func (Build) Testbed() error {
	mg.Deps(Build.Deps)
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/vkupload", "."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs go vet and the race enabled test suite.
func (Build) Test() error {
	if _, err := executeCmd("go", withArgs("vet", "./..."), withStream()); err != nil {
		return err
	}
	if _, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}
