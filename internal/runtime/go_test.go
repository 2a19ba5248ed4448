package runtime

import (
	"errors"
	"strings"
	"testing"
)

func TestGoRuntime_Command(t *testing.T) {
	g := &GoRuntime{}
	cmd := g.Command("/tmp/code.go")
	if cmd[len(cmd)-1] != "/tmp/code.go" || cmd[len(cmd)-2] != "run" {
		t.Errorf("Command() = %v, want ... go run /tmp/code.go", cmd)
	}
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "GOCACHE=/tmp/") {
		t.Errorf("Command() = %v, want GOCACHE under /tmp", cmd)
	}
}

func TestGoRuntime_Validate(t *testing.T) {
	g := &GoRuntime{}

	if err := g.Validate("package main\nfunc main() {}"); err != nil {
		t.Errorf("Validate(valid code) = %v, want nil", err)
	}
	if err := g.Validate("package foo"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Validate(non-main) = %v, want ErrInvalidCode", err)
	}
	if err := g.Validate(""); err == nil {
		t.Error("Validate(empty) should return error")
	}
	if err := g.Validate("package main" + strings.Repeat("x", MaxCodeSize)); err == nil {
		t.Error("Validate(>1MB) should return error")
	}
}
