package runtime

import (
	"fmt"
	"strings"
)

// CRuntime compiles a single C translation unit with gcc and runs it.
type CRuntime struct{}

func (c *CRuntime) Name() string { return "c" }

func (c *CRuntime) Image() string { return "docker.io/library/gcc:latest" }

// Command passes the source path as $1 so nothing is interpolated into the
// shell string.
func (c *CRuntime) Command(codePath string) []string {
	return []string{
		"/bin/sh", "-c",
		`gcc -O0 -o "$1.out" "$1" -lm && "$1.out"`,
		"_", codePath,
	}
}

func (c *CRuntime) FileExtension() string { return ".c" }

func (c *CRuntime) Validate(code string) error {
	if err := checkSize(code); err != nil {
		return err
	}
	if !strings.Contains(code, "main") {
		return fmt.Errorf("%w: no main function", ErrInvalidCode)
	}
	return nil
}
