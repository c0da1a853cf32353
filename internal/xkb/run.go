package xkb

import (
	"context"
	"os/exec"
)

// Runner runs the external X tools. ExecRunner is the real implementation.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start launches a command without waiting for it. The returned
	// function blocks until the command exits.
	Start(ctx context.Context, name string, args ...string) (wait func() error, err error)
}

type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (ExecRunner) Start(ctx context.Context, name string, args ...string) (func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	err := cmd.Start()
	if err != nil {
		return nil, err
	}
	return cmd.Wait, nil
}

// Task is a running layout application.
type Task struct {
	done chan struct{}
	err  error
}

func completed(err error) *Task {
	t := Task{done: make(chan struct{}), err: err}
	close(t.done)
	return &t
}

func startTask(wait func() error) *Task {
	t := Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = wait()
	}()
	return &t
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has finished and returns its result.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}
