// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"io"
	"math/rand"
)

// Intn returns, as an int, a non-negative pseudo-random number in [0,n)
// from the default Source. It panics if n <= 0.
func Intn(n int) int {
	return rand.Intn(n)
}

// Read reads pseudo-random data into data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// Reader creates a new random data reader.
func Reader() io.Reader {
	return rand.New(rand.NewSource(rand.Int63()))
}

// SegmentName generates a syntactically valid WAL segment name.
func SegmentName() string {
	const hex = "0123456789ABCDEF"
	name := make([]byte, 24)
	for i := range name {
		name[i] = hex[rand.Intn(len(hex))]
	}
	return string(name)
}
