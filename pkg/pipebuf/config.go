// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"bytes"
	"os"
	"strconv"
)

const (
	// defaultPipeBufferSize matches the historical Linux pipe buffer
	// size and is the floor for buffering decisions.
	defaultPipeBufferSize = 64 * 1024

	// maxPipeBufferSize caps how large a pipe buffer the archiver
	// will request from the kernel.
	maxPipeBufferSize = 1 << 20
)

// Config carries the buffer sizing computed once at process start.
// Constructors take it explicitly instead of consulting global state.
type Config struct {
	// PipeBufferSize is the per-pipe buffer size hint, in bytes.
	PipeBufferSize int
}

// DefaultConfig returns a Config without consulting the OS.
func DefaultConfig() Config {
	return Config{PipeBufferSize: defaultPipeBufferSize}
}

// DetectConfig inspects the kernel's advertised maximum pipe size and
// clamps it to a sane range. Errors fall back to the default; a
// missing or unparsable proc file is not worth failing an archive
// over.
func DetectConfig() Config {
	data, err := os.ReadFile("/proc/sys/fs/pipe-max-size")
	if err != nil {
		return DefaultConfig()
	}
	size, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return DefaultConfig()
	}
	if size < defaultPipeBufferSize {
		size = defaultPipeBufferSize
	}
	if size > maxPipeBufferSize {
		size = maxPipeBufferSize
	}
	return Config{PipeBufferSize: size}
}
