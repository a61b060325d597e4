package transfer

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/stretchr/testify/mock"
)

// Result is the outcome of an external command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes the external transfer utility. An error is returned only
// when the command could not be run at all; a non-zero exit is reported in
// Result.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs commands as local processes. The context is only checked
// before the process starts; a copy in progress is never interrupted.
type ExecRunner struct {
	// Dir is the working directory of the command; empty means the current one.
	Dir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// MockRunner implements Runner for testing
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	ret := m.Called(ctx, name, args)
	return ret.Get(0).(Result), ret.Error(1)
}
