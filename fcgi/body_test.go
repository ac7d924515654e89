// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fcgi

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyFilterMultipleRecordsInOneBuffer(t *testing.T) {
	hp := newHeaderParser(nil)
	feedHeaderToCompletion(t, hp, stdoutRecord("Content-Type: text/plain\r\n\r\n"))

	var buf []byte
	buf = append(buf, stdoutRecord("foo")...)
	buf = append(buf, stdoutRecord("bar")...)

	bf := newBodyFilter(hp)
	nb := &netBuf{data: buf, fill: len(buf)}
	slices, err := bf.feed(nb)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, "foo", string(slices[0].Bytes()))
	assert.Equal(t, "bar", string(slices[1].Bytes()))
	assert.False(t, slices[0].lastShadow)
	assert.True(t, slices[1].lastShadow)
}

func TestBodyFilterEmptyStdoutMarksDone(t *testing.T) {
	hp := newHeaderParser(nil)
	feedHeaderToCompletion(t, hp, stdoutRecord("Content-Type: text/plain\r\n\r\n"))

	bf := newBodyFilter(hp)
	buf := newRecordHeader(typeStdout, 0)
	nb := &netBuf{data: buf, fill: len(buf)}
	slices, err := bf.feed(nb)
	require.NoError(t, err)
	assert.Empty(t, slices)
	assert.True(t, bf.Done())
}

func TestBodyFilterEndRequestMarksDone(t *testing.T) {
	hp := newHeaderParser(nil)
	feedHeaderToCompletion(t, hp, stdoutRecord("Content-Type: text/plain\r\n\r\n"))

	bf := newBodyFilter(hp)
	buf := newRecordHeader(typeEndRequest, 0)
	nb := &netBuf{data: buf, fill: len(buf)}
	slices, err := bf.feed(nb)
	require.NoError(t, err)
	assert.Empty(t, slices)
	assert.True(t, bf.Done())
}

func TestNetBufReleaseReturnsToPool(t *testing.T) {
	pool := newBufPool(64)
	nb := pool.get()
	nb.addRef()
	nb.addRef()
	nb.release()
	nb.release()
	nb2 := pool.get()
	assert.Same(t, nb, nb2)
}

func TestBufferDescriptorsAreNotCopiedForBody(t *testing.T) {
	// The request side's buffer chain references the caller's reader
	// directly rather than copying its bytes into an owned buffer, per
	// the caller's reader directly.
	src := []byte("the quick brown fox")
	rb := requestBuffer{kind: bufView, r: bytes.NewReader(src), n: int64(len(src))}
	assert.Equal(t, bufView, rb.kind)
	assert.Nil(t, rb.bytes)
}
