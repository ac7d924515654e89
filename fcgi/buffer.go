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
	"io"
	"sync"
	"sync/atomic"
)

// bufKind tags a requestBuffer as either bytes this chain owns outright, or
// a read-only view over caller-supplied body data,
// "Pointer chains as output".
type bufKind int

const (
	bufOwned bufKind = iota
	bufView
)

// requestBuffer is one link of the outbound buffer chain the Request
// Builder assembles. Owned buffers (record headers, the BEGIN_REQUEST body,
// padding) are freshly allocated []byte. View buffers reference the
// caller's request body reader directly; the builder uses them when the
// body length is known. A body of unknown length is copied into owned
// buffers instead (see appendStdin).
type requestBuffer struct {
	kind  bufKind
	bytes []byte    // valid when kind == bufOwned
	r     io.Reader // valid when kind == bufView
	n     int64     // number of bytes to read from r
}

// writeChain streams the chain's content to w in order, reading view buffers
// directly from their source reader.
func writeChain(w io.Writer, chain []requestBuffer) (int64, error) {
	var total int64
	for _, b := range chain {
		switch b.kind {
		case bufOwned:
			n, err := w.Write(b.bytes)
			total += int64(n)
			if err != nil {
				return total, err
			}
		case bufView:
			n, err := io.CopyN(w, b.r, b.n)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// bufPool hands out reusable byte slices for inbound network reads, sized
// to chunkSize, following the usual bufio.Writer sizing convention
// (newWriter in fcgiclient.go); here used for the inbound side instead.
type bufPool struct {
	size int
	pool sync.Pool
}

func newBufPool(size int) *bufPool {
	p := &bufPool{size: size}
	p.pool.New = func() any {
		return &netBuf{data: make([]byte, size), pool: p}
	}
	return p
}

func (p *bufPool) get() *netBuf {
	nb := p.pool.Get().(*netBuf)
	nb.refs.Store(0)
	return nb
}

// netBuf is a single network read's backing storage, shared read-only by
// every bodySlice derived from it. It is returned to its pool once all
// derived slices have been released, realizing the shadow/refcount scheme
// of not buffering the whole body at once.
type netBuf struct {
	data []byte
	fill int // bytes actually read into data
	pool *bufPool
	refs atomic.Int32
}

func (b *netBuf) addRef() {
	b.refs.Add(1)
}

// release drops one reference; when the count reaches zero the buffer is
// returned to its pool.
func (b *netBuf) release() {
	if b.refs.Add(-1) == 0 && b.pool != nil {
		b.pool.pool.Put(b)
	}
}

// bodySlice is a zero-copy view into a netBuf, produced by the Response
// Body Filter. lastShadow marks the final slice derived from its backing
// buffer; the consumer must call Release on every slice, and the backing
// buffer returns to its pool when the last outstanding reference is
// released, whichever slice that is.
type bodySlice struct {
	buf        *netBuf
	lo, hi     int
	lastShadow bool
}

// Bytes returns the slice's view into its backing buffer. The returned
// slice is only valid until Release is called.
func (s bodySlice) Bytes() []byte {
	return s.buf.data[s.lo:s.hi]
}

// Len reports the number of body bytes this slice carries.
func (s bodySlice) Len() int {
	return s.hi - s.lo
}

// Release drops this slice's reference to its backing buffer.
func (s bodySlice) Release() {
	s.buf.release()
}
