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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
)

func compressible() []byte {
	return bytes.Repeat([]byte("highlight_stroke question_tag pointer_ping "), 200)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	raw := compressible()

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			data, err := Encode(raw, c)
			require.NoError(t, err)

			h, err := ReadHeader(data)
			require.NoError(t, err)
			assert.Equal(t, c, h.Compression)
			assert.Equal(t, uint32(len(raw)), h.RawLength)
			if c != CompressionNone {
				assert.Less(t, len(data), len(raw))
			}

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}
}

func TestEnvelope_IncompressibleStoredRaw(t *testing.T) {
	raw := []byte{0xa0}

	data, err := Encode(raw, CompressionZstd)
	require.NoError(t, err)

	h, err := ReadHeader(data)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, h.Compression)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestEnvelope_Corruption(t *testing.T) {
	valid, err := Encode(compressible(), CompressionZstd)
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": valid[:headerSize-1],
		"magic":     mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		"version":   mutate(func(b []byte) []byte { b[4] = 9; return b }),
		"tag":       mutate(func(b []byte) []byte { b[5] = 7; return b }),
		"length":    mutate(func(b []byte) []byte { b[9]++; return b }),
		"checksum":  mutate(func(b []byte) []byte { b[12] ^= 0xff; return b }),
		"payload":   mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }),
		"oversize":  mutate(func(b []byte) []byte { b[6] = 0xff; return b }),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, crdt.ErrDecode)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "zstd": CompressionZstd, "lz4": CompressionLZ4} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
	assert.Equal(t, "unknown(9)", Compression(9).String())
}
