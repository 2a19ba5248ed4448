package runtime

import (
	"fmt"
	"strings"
)

// GoRuntime configures execution of Go code.
type GoRuntime struct{}

func (g *GoRuntime) Name() string { return "go" }

func (g *GoRuntime) Image() string { return "docker.io/library/golang:1.24-alpine" }

// Command keeps the build cache in /tmp, which stays writable on a
// read-only rootfs.
func (g *GoRuntime) Command(codePath string) []string {
	return []string{"/usr/bin/env", "GOCACHE=/tmp/.gocache", "GOPATH=/tmp/go", "go", "run", codePath}
}

func (g *GoRuntime) FileExtension() string { return ".go" }

func (g *GoRuntime) Validate(code string) error {
	if err := checkSize(code); err != nil {
		return err
	}
	if !strings.Contains(code, "package main") {
		return fmt.Errorf("%w: missing package main", ErrInvalidCode)
	}
	return nil
}
