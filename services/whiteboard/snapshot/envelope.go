// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
)

// Envelope layout:
//
//	magic "WBSN" | version u8 | compression u8 | raw length u32 BE |
//	blake3-256 of the raw payload | payload
const (
	envelopeMagic   = "WBSN"
	envelopeVersion = 1
	headerSize      = 4 + 1 + 1 + 4 + blake3Size
	blake3Size      = 32

	// MaxRawBytes bounds the decoded size of a snapshot.
	MaxRawBytes = 64 << 20
)

// Compression is the payload compression tag. Values are stored on disk.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown snapshot compression %q", name)
	}
}

var errIncompressible = errors.New("payload does not compress")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRawBytes))
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Header describes an envelope without its payload.
type Header struct {
	Version     uint8
	Compression Compression
	RawLength   uint32
	Checksum    [blake3Size]byte
	StoredBytes int
}

// Encode wraps raw (a full document encoding) in an envelope. When the
// requested compression does not shrink the payload it is stored
// uncompressed.
func Encode(raw []byte, compression Compression) ([]byte, error) {
	if len(raw) > MaxRawBytes {
		return nil, fmt.Errorf("snapshot of %d bytes exceeds limit of %d", len(raw), MaxRawBytes)
	}

	payload, err := compress(raw, compression)
	if errors.Is(err, errIncompressible) {
		payload, compression = raw, CompressionNone
	} else if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(raw)

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, envelopeMagic)
	out[4] = envelopeVersion
	out[5] = byte(compression)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(raw)))
	copy(out[10:headerSize], sum[:])
	return append(out, payload...), nil
}

// ReadHeader parses and checks the envelope header.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, &crdt.DecodeError{Reason: fmt.Sprintf("snapshot truncated at %d bytes", len(data))}
	}
	if !bytes.Equal(data[:4], []byte(envelopeMagic)) {
		return Header{}, &crdt.DecodeError{Reason: "snapshot magic mismatch"}
	}

	h := Header{
		Version:     data[4],
		Compression: Compression(data[5]),
		RawLength:   binary.BigEndian.Uint32(data[6:10]),
		StoredBytes: len(data) - headerSize,
	}
	copy(h.Checksum[:], data[10:headerSize])

	if h.Version != envelopeVersion {
		return Header{}, &crdt.DecodeError{Reason: fmt.Sprintf("unsupported snapshot version %d", h.Version)}
	}
	if h.RawLength > MaxRawBytes {
		return Header{}, &crdt.DecodeError{Reason: fmt.Sprintf("snapshot raw length %d exceeds limit", h.RawLength)}
	}
	switch h.Compression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return Header{}, &crdt.DecodeError{Reason: fmt.Sprintf("unknown compression tag %d", uint8(h.Compression))}
	}
	return h, nil
}

// Decode unwraps an envelope and verifies its checksum. It does not
// interpret the payload.
func Decode(data []byte) ([]byte, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	raw, err := decompress(data[headerSize:], h.Compression, int(h.RawLength))
	if err != nil {
		return nil, &crdt.DecodeError{Reason: "snapshot payload", Err: err}
	}
	if blake3.Sum256(raw) != h.Checksum {
		return nil, &crdt.DecodeError{Reason: "snapshot checksum mismatch"}
	}
	return raw, nil
}

func compress(raw []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return raw, nil

	case CompressionZstd:
		out := zstdEncoder.EncodeAll(raw, nil)
		if len(out) >= len(raw) {
			return nil, errIncompressible
		}
		return out, nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(raw) {
			return nil, errIncompressible
		}
		return dst[:n], nil

	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

func decompress(payload []byte, compression Compression, rawLength int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(payload) != rawLength {
			return nil, fmt.Errorf("stored %d bytes, header says %d", len(payload), rawLength)
		}
		return payload, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLength))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawLength {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawLength)
		}
		return out, nil

	case CompressionLZ4:
		out := make([]byte, rawLength)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawLength {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawLength)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}
