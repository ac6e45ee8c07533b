//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the engine with config.toml.
func (Run) Engine() error {
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "config.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Renders 120 frames on the software backend without a window.
func (Run) Headless() error {
	fmt.Println("Run engine headless...")
	args := withArgs("run", ".", "-config", "config.toml", "-headless", "-backend", "software", "-frames", "120")
	if _, err := executeCmd("go", args, withStream()); err != nil {
		return err
	}
	return nil
}
