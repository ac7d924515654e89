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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadTo8(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, 7},
		{7, 1},
		{8, 0},
		{9, 7},
		{65535, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, padTo8(tt.n))
	}
}

func TestNewRecordHeaderMultipleOf8(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 100, 65535} {
		hdr := newRecordHeader(typeStdin, n)
		total := recordHeaderLen + n + padTo8(n)
		assert.Equal(t, 0, total%8, "record+payload+padding must align to 8 bytes")
		assert.Equal(t, byte(1), hdr[0])
		assert.Equal(t, byte(typeStdin), hdr[1])
	}
}

// feedHeaderAll decodes one complete header from buf, passing the whole
// buffer to feedHeader at once (TestFeedHeaderByteDrip covers feeding it
// one byte at a time).
func feedHeaderAll(t *testing.T, buf []byte) *frameState {
	t.Helper()
	f := &frameState{}
	i := 0
	for i < len(buf) {
		res, err := f.feedHeader(buf, &i)
		require.NoError(t, err)
		if res == decodeHeaderReady {
			return f
		}
	}
	t.Fatalf("header never completed: %v", buf)
	return nil
}

func TestFeedHeaderDecodesFields(t *testing.T) {
	buf := make([]byte, 8)
	putHeader(buf, typeStdout, 300, 4)

	f := feedHeaderAll(t, buf)
	assert.Equal(t, byte(typeStdout), f.recType)
	assert.Equal(t, 300, f.length)
	assert.Equal(t, 4, f.padding)
}

func TestFeedHeaderByteDrip(t *testing.T) {
	buf := make([]byte, 8)
	putHeader(buf, typeStderr, 9, 7)

	f := &frameState{}
	for i := 0; i < len(buf); i++ {
		idx := i
		res, err := f.feedHeader(buf[:i+1], &idx)
		require.NoError(t, err)
		if i < 7 {
			assert.Equal(t, decodeNeedMore, res)
		} else {
			assert.Equal(t, decodeHeaderReady, res)
		}
	}
}

func TestFeedHeaderRejectsBadVersion(t *testing.T) {
	buf := []byte{2, typeStdout, 0, 1, 0, 0, 0, 0}
	f := &frameState{}
	i := 0
	_, err := f.feedHeader(buf, &i)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnsupportedVersion, pe.Kind)
}

func TestFeedHeaderRejectsBadRequestID(t *testing.T) {
	buf := []byte{1, typeStdout, 0, 2, 0, 0, 0, 0}
	f := &frameState{}
	i := 0
	_, err := f.feedHeader(buf, &i)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnexpectedRequestID, pe.Kind)
}

func TestFeedHeaderRejectsUpstreamOnlyTypes(t *testing.T) {
	buf := []byte{1, typeBeginRequest, 0, 1, 0, 0, 0, 0}
	f := &frameState{}
	i := 0
	_, err := f.feedHeader(buf, &i)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, InvalidRecordType, pe.Kind)
}
