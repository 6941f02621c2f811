// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package pipeline chains filter stages (compression, encryption,
// rate limiting) pipe-to-pipe, exposing a single logical stdin and
// stdout plus aggregate exit-status checking.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/zeebo/errs"
)

// Error is the pipeline error class.
var Error = errs.Class("pipeline error")

// Stage is a single filter bound to specific pipe endpoints. A stage
// owns both files after Run and closes them itself.
type Stage interface {
	// Run begins execution reading stdin and writing stdout.
	Run(ctx context.Context, stdin, stdout *os.File) error

	// Wait blocks until the stage exits and reports failure exits.
	Wait(ctx context.Context) error

	// Kill forcibly terminates the stage without waiting.
	Kill() error

	fmt.Stringer
}

// ExecStage runs an external filter program located on the process
// search path, invoked as `program [args] < stdin > stdout`.
type ExecStage struct {
	Program string
	Args    []string

	cmd  *exec.Cmd
	done chan error
}

// NewExecStage constructs a stage for an external program.
func NewExecStage(program string, args ...string) *ExecStage {
	return &ExecStage{Program: program, Args: args}
}

// Run starts the subprocess with the pipe ends attached and releases
// the parent's copies of the descriptors.
func (s *ExecStage) Run(ctx context.Context, stdin, stdout *os.File) error {
	s.cmd = exec.Command(s.Program, s.Args...)
	s.cmd.Stdin = stdin
	s.cmd.Stdout = stdout
	s.cmd.Stderr = os.Stderr

	err := s.cmd.Start()
	// The child holds duplicates now; keeping these open would keep
	// the pipes from ever reporting end-of-stream.
	_ = stdin.Close()
	_ = stdout.Close()
	if err != nil {
		return Error.New("cannot start %q: %v", s.String(), err)
	}

	s.done = make(chan error, 1)
	go func() { s.done <- s.cmd.Wait() }()
	return nil
}

// Wait blocks until the subprocess exits. A non-zero exit status is
// reported naming the command and its code.
func (s *ExecStage) Wait(ctx context.Context) error {
	if s.done == nil {
		return Error.New("stage %q was never started", s.String())
	}
	select {
	case err := <-s.done:
		s.done = nil
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Error.New("%q exited with status %d",
				s.String(), exitErr.ExitCode())
		}
		return Error.Wrap(err)
	case <-ctx.Done():
		_ = s.Kill()
		return Error.Wrap(ctx.Err())
	}
}

// Kill terminates the subprocess without waiting for normal
// completion.
func (s *ExecStage) Kill() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// String formats the command line.
func (s *ExecStage) String() string {
	out := s.Program
	for _, arg := range s.Args {
		out += " " + arg
	}
	return out
}

// FilterFunc copies bytes from src to dst, transforming them. It must
// propagate io errors and return once src is exhausted.
type FilterFunc func(dst io.Writer, src io.Reader) error

// InlineStage runs a filter function in-process. Used when no
// external filter program is configured.
type InlineStage struct {
	Name   string
	Filter FilterFunc

	stdin  *os.File
	stdout *os.File
	done   chan error
}

// NewInlineStage constructs an in-process stage.
func NewInlineStage(name string, filter FilterFunc) *InlineStage {
	return &InlineStage{Name: name, Filter: filter}
}

// Run starts the filter goroutine over the attached pipe ends.
func (s *InlineStage) Run(ctx context.Context, stdin, stdout *os.File) error {
	s.stdin, s.stdout = stdin, stdout
	s.done = make(chan error, 1)
	go func() {
		err := s.Filter(stdout, stdin)
		closeErr := errs.Combine(stdout.Close(), stdin.Close())
		if err != nil {
			s.done <- Error.New("%q failed: %v", s.Name, err)
			return
		}
		s.done <- Error.Wrap(closeErr)
	}()
	return nil
}

// Wait blocks until the filter returns.
func (s *InlineStage) Wait(ctx context.Context) error {
	if s.done == nil {
		return Error.New("stage %q was never started", s.Name)
	}
	select {
	case err := <-s.done:
		s.done = nil
		return err
	case <-ctx.Done():
		_ = s.Kill()
		return Error.Wrap(ctx.Err())
	}
}

// Kill closes the stage's pipe ends, forcing the filter to error out.
func (s *InlineStage) Kill() error {
	return errs.Combine(s.stdin.Close(), s.stdout.Close())
}

// String returns the filter name.
func (s *InlineStage) String() string { return s.Name }
