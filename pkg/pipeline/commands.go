// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"strconv"

	"github.com/wal-e/wal-e-sub000/pkg/pipebuf"
)

// Crypto selects the encryption applied to upload pipelines. At most
// one of GPG and age may be configured.
type Crypto struct {
	// GPGRecipient enables `gpg --encrypt` to the named key.
	GPGRecipient string

	// AgeRecipient enables in-process age encryption (upload side).
	AgeRecipient string

	// AgeIdentity enables in-process age decryption (download side).
	AgeIdentity string
}

func (c Crypto) enabled() bool {
	return c.GPGRecipient != "" || c.AgeRecipient != "" || c.AgeIdentity != ""
}

// Options describes how to build the standard upload and download
// chains.
type Options struct {
	Buffer pipebuf.Config
	Codec  Codec

	// RateLimit bounds upload throughput in bytes per second via pv.
	// Zero disables the limiter stage.
	RateLimit int

	Crypto Crypto
}

// Upload assembles compress → (rate limit) → (encrypt) and starts it.
func Upload(ctx context.Context, opts Options) (*Pipeline, error) {
	if opts.Crypto.GPGRecipient != "" && opts.Crypto.AgeRecipient != "" {
		return nil, Error.New("both gpg and age encryption configured")
	}

	stages := []Stage{compressStage(opts.Codec)}
	if opts.RateLimit > 0 {
		stages = append(stages,
			NewExecStage("pv", "-q", "-L", strconv.Itoa(opts.RateLimit)))
	}
	switch {
	case opts.Crypto.GPGRecipient != "":
		stages = append(stages, NewExecStage("gpg",
			"--batch", "-e", "-z", "0", "-r", opts.Crypto.GPGRecipient))
	case opts.Crypto.AgeRecipient != "":
		stage, err := ageEncryptStage(opts.Crypto.AgeRecipient)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return New(ctx, opts.Buffer, stages...)
}

// Download assembles (decrypt) → decompress and starts it.
func Download(ctx context.Context, opts Options) (*Pipeline, error) {
	var stages []Stage
	if opts.Crypto.enabled() {
		switch {
		case opts.Crypto.AgeIdentity != "":
			stage, err := ageDecryptStage(opts.Crypto.AgeIdentity)
			if err != nil {
				return nil, err
			}
			stages = append(stages, stage)
		case opts.Crypto.GPGRecipient != "":
			stages = append(stages, NewExecStage("gpg", "--batch", "-d", "-q"))
		}
	}
	stages = append(stages, decompressStage(opts.Codec))
	return New(ctx, opts.Buffer, stages...)
}
