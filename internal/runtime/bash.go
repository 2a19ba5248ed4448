package runtime

// BashRuntime runs POSIX shell scripts.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Image() string { return "docker.io/library/alpine:3.19" }

func (b *BashRuntime) Command(codePath string) []string {
	return []string{"/bin/sh", "-eu", codePath}
}

func (b *BashRuntime) FileExtension() string { return ".sh" }

func (b *BashRuntime) Validate(code string) error { return checkSize(code) }
