// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package compressor implements OP_COMPRESSED's pluggable compression
// algorithms. The interface shape mirrors the teacher's
// core/compressor.Compressor usage from core/connection/connection.go;
// the concrete implementations are new, wired to the snappy and
// klauspost/compress libraries the rest of the example pack favors for
// this concern.
package compressor

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/rivermdb/driver/wiremessage"
)

// Compressor compresses and decompresses OP_COMPRESSED payloads.
type Compressor interface {
	CompressorID() wiremessage.CompressorID
	Name() string
	CompressBytes(src, dst []byte) ([]byte, error)
	UncompressBytes(src, dst []byte) ([]byte, error)
}

// Snappy implements Compressor using github.com/golang/snappy.
type Snappy struct{}

func (Snappy) CompressorID() wiremessage.CompressorID { return wiremessage.CompressorSnappy }
func (Snappy) Name() string                            { return "snappy" }

func (Snappy) CompressBytes(src, dst []byte) ([]byte, error) {
	return snappy.Encode(dst[:0], src), nil
}

func (Snappy) UncompressBytes(src, dst []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("compressor: snappy decoded length: %w", err)
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	return snappy.Decode(dst[:n], src)
}

// Zlib implements Compressor using compress/zlib at the level in Level
// (zlib.DefaultCompression when Level is 0); MongoDB's wire protocol does
// not negotiate a compression level.
type Zlib struct {
	Level int
}

func (Zlib) CompressorID() wiremessage.CompressorID { return wiremessage.CompressorZlib }
func (Zlib) Name() string                            { return "zlib" }

func (z Zlib) CompressBytes(src, dst []byte) ([]byte, error) {
	level := z.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return append(dst[:0], buf.Bytes()...), nil
}

func (Zlib) UncompressBytes(src, dst []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := bytes.NewBuffer(dst[:0])
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Zstd implements Compressor using klauspost/compress/zstd, the algorithm
// modern servers advertise alongside snappy and zlib.
type Zstd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd builds a Zstd compressor with reusable encoder/decoder state.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Zstd{encoder: enc, decoder: dec}, nil
}

func (*Zstd) CompressorID() wiremessage.CompressorID { return wiremessage.CompressorZstd }
func (*Zstd) Name() string                            { return "zstd" }

func (z *Zstd) CompressBytes(src, dst []byte) ([]byte, error) {
	return z.encoder.EncodeAll(src, dst[:0]), nil
}

func (z *Zstd) UncompressBytes(src, dst []byte) ([]byte, error) {
	return z.decoder.DecodeAll(src, dst[:0])
}
