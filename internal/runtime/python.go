package runtime

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.10-slim" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		"python3",
		"-u", // Unbuffered output
		"-B", // Don't write .pyc files
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Validate(code string) error { return checkSize(code) }
