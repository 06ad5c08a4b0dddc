//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

// Build compiles both executables into ./bin
func Build() error {
	mg.Deps(BuildEEGScope)
	mg.Deps(BuildEDFInfo)
	fmt.Println("Compilation finished")
	return nil
}

// BuildEEGScope builds the analysis pipeline. HDF5 export links libhdf5 through cgo.
func BuildEEGScope() error {
	fmt.Println("Building eegscope executable...")
	return goCmd(true, "build", "-o", "./bin/eegscope", "./cmd/eegscope")
}

func BuildEDFInfo() error {
	fmt.Println("Building edfinfo executable...")
	return goCmd(false, "build", "-o", "./bin/edfinfo", "./cmd/edfinfo")
}

// Test runs the unit tests
func Test() error {
	fmt.Println("Running tests...")
	return goCmd(true, "test", "./...")
}

// Lint runs go vet over every package
func Lint() error {
	fmt.Println("Running go vet...")
	return goCmd(true, "vet", "./...")
}

func goCmd(cgo bool, args ...string) error {
	cmd := exec.Command("go", args...)
	cmd.Env = os.Environ()
	if cgo {
		cmd.Env = append(cmd.Env,
			"CGO_ENABLED=1",
			fmt.Sprintf("CGO_LDFLAGS=%s", os.Getenv("CGO_LDFLAGS")),
			fmt.Sprintf("CGO_CFLAGS=%s", os.Getenv("CGO_CFLAGS")))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
