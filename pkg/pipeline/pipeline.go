// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"os"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/wal-e/wal-e-sub000/pkg/pipebuf"
)

var mon = monkit.Package()

// Pipeline is an ordered chain of stages connected pipe-to-pipe. Only
// the first stage's stdin and the last stage's stdout are exposed.
type Pipeline struct {
	stages []Stage

	// Stdin feeds the first stage; Stdout drains the last.
	Stdin  *pipebuf.Writer
	Stdout *pipebuf.Reader

	finished bool
}

// New connects and starts the given stages. At least one stage is
// required.
func New(ctx context.Context, config pipebuf.Config, stages ...Stage) (_ *Pipeline, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(stages) == 0 {
		return nil, Error.New("pipeline needs at least one stage")
	}

	childStdin, stdin, err := pipebuf.WriterPipe(config)
	if err != nil {
		return nil, err
	}

	prevOut := childStdin
	for _, stage := range stages[:len(stages)-1] {
		nextIn, stageOut, err := os.Pipe()
		if err != nil {
			_ = stdin.Close()
			return nil, Error.Wrap(err)
		}
		if err := stage.Run(ctx, prevOut, stageOut); err != nil {
			_ = stdin.Close()
			return nil, err
		}
		prevOut = nextIn
	}

	stdout, childStdout, err := pipebuf.ReaderPipe(config)
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	last := stages[len(stages)-1]
	if err := last.Run(ctx, prevOut, childStdout); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	return &Pipeline{
		stages: stages,
		Stdin:  stdin,
		Stdout: stdout,
	}, nil
}

// Finish closes the pipeline's stdin, waits for every stage to exit
// and closes stdout. The first stage failure is reported; remaining
// stages are still waited on so no process is leaked.
func (p *Pipeline) Finish(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if p.finished {
		return nil
	}
	p.finished = true

	var firstErr error
	if err := p.Stdin.Close(); err != nil {
		firstErr = err
	}
	for _, stage := range p.stages {
		if err := stage.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeErr := p.Stdout.Close()
	if firstErr != nil {
		return firstErr
	}
	return closeErr
}

// Abort abandons the pipeline: every stage is killed without waiting
// for normal termination and stdout is closed, which breaks the pipes
// under any goroutine still feeding Stdin so it unblocks with an
// error. Stdin itself is not touched here: the writer is single-owner,
// and its owner abandons or closes it once its feed returns. Used when
// completing the pipeline is pointless, such as after the remote
// object turned out to be missing or the consumer failed mid-stream.
func (p *Pipeline) Abort() error {
	if p.finished {
		return nil
	}
	p.finished = true

	var group errs.Group
	for _, stage := range p.stages {
		group.Add(stage.Kill())
	}
	group.Add(p.Stdout.Close())
	return group.Err()
}
