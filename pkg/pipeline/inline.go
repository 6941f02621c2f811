// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipeline

import (
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the stream compression applied to archive volumes
// and WAL segments. The codec is recorded in object name extensions,
// so values here are wire-visible.
type Codec uint8

const (
	// CodecLZO shells out to lzop, the historical default.
	CodecLZO Codec = iota

	// CodecLZ4 compresses in-process with LZ4.
	CodecLZ4

	// CodecZstd compresses in-process with Zstandard.
	CodecZstd

	// CodecGzip compresses in-process with gzip.
	CodecGzip
)

// String returns the codec's configuration name.
func (c Codec) String() string {
	switch c {
	case CodecLZO:
		return "lzo"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	case CodecGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// Extension returns the object name suffix for the codec.
func (c Codec) Extension() string {
	switch c {
	case CodecLZO:
		return ".lzo"
	case CodecLZ4:
		return ".lz4"
	case CodecZstd:
		return ".zst"
	case CodecGzip:
		return ".gz"
	default:
		return ""
	}
}

// ParseCodec parses a codec from its configuration name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "lzo", "":
		return CodecLZO, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	case "gzip":
		return CodecGzip, nil
	default:
		return 0, Error.New("unknown compression codec: %q", name)
	}
}

// compressStage returns the stage compressing a stream with c.
func compressStage(c Codec) Stage {
	switch c {
	case CodecLZ4:
		return NewInlineStage("lz4 compress", func(dst io.Writer, src io.Reader) error {
			zw := lz4.NewWriter(dst)
			if _, err := io.Copy(zw, src); err != nil {
				return err
			}
			return zw.Close()
		})
	case CodecZstd:
		return NewInlineStage("zstd compress", func(dst io.Writer, src io.Reader) error {
			zw, err := zstd.NewWriter(dst)
			if err != nil {
				return err
			}
			if _, err := io.Copy(zw, src); err != nil {
				return err
			}
			return zw.Close()
		})
	case CodecGzip:
		return NewInlineStage("gzip compress", func(dst io.Writer, src io.Reader) error {
			zw := gzip.NewWriter(dst)
			if _, err := io.Copy(zw, src); err != nil {
				return err
			}
			return zw.Close()
		})
	default:
		return NewExecStage("lzop", "-c")
	}
}

// decompressStage returns the stage reversing compressStage(c).
func decompressStage(c Codec) Stage {
	switch c {
	case CodecLZ4:
		return NewInlineStage("lz4 decompress", func(dst io.Writer, src io.Reader) error {
			_, err := io.Copy(dst, lz4.NewReader(src))
			return err
		})
	case CodecZstd:
		return NewInlineStage("zstd decompress", func(dst io.Writer, src io.Reader) error {
			zr, err := zstd.NewReader(src)
			if err != nil {
				return err
			}
			defer zr.Close()
			_, err = io.Copy(dst, zr.IOReadCloser())
			return err
		})
	case CodecGzip:
		return NewInlineStage("gzip decompress", func(dst io.Writer, src io.Reader) error {
			zr, err := gzip.NewReader(src)
			if err != nil {
				return err
			}
			if _, err := io.Copy(dst, zr); err != nil {
				return err
			}
			return zr.Close()
		})
	default:
		return NewExecStage("lzop", "-d", "-c")
	}
}

// ageEncryptStage encrypts the stream to an X25519 recipient.
func ageEncryptStage(recipient string) (Stage, error) {
	parsed, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, Error.New("bad age recipient: %v", err)
	}
	return NewInlineStage("age encrypt", func(dst io.Writer, src io.Reader) error {
		cw, err := age.Encrypt(dst, parsed)
		if err != nil {
			return err
		}
		if _, err := io.Copy(cw, src); err != nil {
			return err
		}
		return cw.Close()
	}), nil
}

// ageDecryptStage decrypts the stream with an X25519 identity.
func ageDecryptStage(identity string) (Stage, error) {
	parsed, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, Error.New("bad age identity: %v", err)
	}
	return NewInlineStage("age decrypt", func(dst io.Writer, src io.Reader) error {
		cr, err := age.Decrypt(src, parsed)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, cr)
		return err
	}), nil
}
