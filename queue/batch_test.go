/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peertalk/peertalk/protocol"
)

func TestBatchPack(t *testing.T) {
	var b Batch
	b.Init()
	inputs := [][]byte{[]byte("alpha"), []byte("be"), bytes.Repeat([]byte{0xAA}, 300)}
	for _, in := range inputs {
		require.True(t, b.Add(in))
	}
	require.Equal(t, len(inputs), b.Count())

	want := 0
	for _, in := range inputs {
		want += batchHeaderSize + len(in)
	}
	require.Equal(t, want, b.Used())
	require.LessOrEqual(t, b.Used(), BatchMax)

	// entries reproduce the original payloads in order
	var got [][]byte
	err := protocol.ForEachBatchEntry(b.Bytes(), func(p []byte) error {
		cp := make([]byte, len(p))
		copy(cp, p)
		got = append(got, cp)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, inputs, got)
}

func TestBatchSizeCap(t *testing.T) {
	var b Batch
	b.Init()
	payload := bytes.Repeat([]byte{1}, 1020) // 1024 per entry with header
	for i := 0; i < 4; i++ {
		require.True(t, b.Add(payload))
	}
	require.Equal(t, BatchMax, b.Used())
	require.False(t, b.Add([]byte{1}))
	require.Equal(t, 4, b.Count())
}

func TestBatchEntryCap(t *testing.T) {
	var b Batch
	b.Init()
	for i := 0; i < BatchMaxEntries; i++ {
		require.True(t, b.Add([]byte{byte(i)}))
	}
	require.False(t, b.Add([]byte{0}))
	require.Equal(t, BatchMaxEntries, b.Count())
}

func TestBatchPrepare(t *testing.T) {
	var b Batch
	b.Init()
	seq := uint16(10)

	// empty batch: no sequence consumed
	require.Zero(t, b.Prepare(&seq))
	require.Equal(t, uint16(10), seq)

	require.True(t, b.Add([]byte("data")))
	require.Equal(t, b.Used(), b.Prepare(&seq))
	require.Equal(t, uint16(11), seq)

	// sequence wraps at 16 bits
	seq = 0xffff
	require.Equal(t, b.Used(), b.Prepare(&seq))
	require.Equal(t, uint16(0), seq)
}

func TestBatchReuse(t *testing.T) {
	var b Batch
	b.Init()
	require.True(t, b.Add([]byte("x")))
	b.Init()
	require.Zero(t, b.Used())
	require.Zero(t, b.Count())
}
