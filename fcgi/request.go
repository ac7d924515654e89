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
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

var zeroPad [8]byte

// buildRequestOptions bundles the inputs the Request Builder needs beyond
// the already-compiled parameter pairs: the live request's variable
// context, and the body it should chunk into STDIN records.
type buildRequestOptions struct {
	pairs    []paramPair
	ctx      *varContext
	passBody bool
	body     io.Reader
	bodyLen  int64 // -1 if unknown
}

// buildRequest assembles the outbound FastCGI byte chain for one request:
// BEGIN_REQUEST, PARAMS..., empty PARAMS, STDIN... (if passBody), empty
// STDIN.
func buildRequest(opt buildRequestOptions) ([]requestBuffer, error) {
	e := &emitter{pairs: opt.pairs, ctx: opt.ctx}
	paramsLen := e.measure()
	if paramsLen > maxParamsLen {
		return nil, &ResourceError{
			Kind: RequestTooLarge,
			Msg:  fmt.Sprintf("params payload is %s, limit is %s", humanize.IBytes(uint64(paramsLen)), humanize.IBytes(maxParamsLen)),
		}
	}

	var chain []requestBuffer

	preamble := make([]byte, recordHeaderLen+beginRequestBodyLen+recordHeaderLen)
	putHeader(preamble[0:8], typeBeginRequest, beginRequestBodyLen, 0)
	preamble[8] = 0
	preamble[9] = roleResponder
	// preamble[10] flags = 0 (keep-conn off); preamble[11:16] reserved zero
	putHeader(preamble[16:24], typeParams, paramsLen, byte(padTo8(paramsLen)))
	chain = append(chain, requestBuffer{kind: bufOwned, bytes: preamble})

	if paramsLen > 0 {
		pad := padTo8(paramsLen)
		payload := make([]byte, paramsLen+pad)
		e.write(payload[:paramsLen])
		chain = append(chain, requestBuffer{kind: bufOwned, bytes: payload})
	}

	chain = append(chain, requestBuffer{kind: bufOwned, bytes: newRecordHeader(typeParams, 0)})

	if opt.passBody && opt.body != nil {
		var err error
		chain, err = appendStdin(chain, opt.body, opt.bodyLen)
		if err != nil {
			return nil, err
		}
	}

	chain = append(chain, requestBuffer{kind: bufOwned, bytes: newRecordHeader(typeStdin, 0)})

	return chain, nil
}

// appendStdin chunks body into STDIN records of at most stdinChunkSize
// bytes each. When bodyLen is known, each chunk becomes a bufView directly
// over body (true zero-copy: the bytes are streamed straight from the
// caller's reader when the chain is written). When bodyLen is unknown, the
// whole body is read before appendStdin returns and copied into owned
// buffers of at most stdinChunkSize bytes each, since a record header must
// declare its content length before the payload is written.
func appendStdin(chain []requestBuffer, body io.Reader, bodyLen int64) ([]requestBuffer, error) {
	if bodyLen >= 0 {
		remaining := bodyLen
		for remaining > 0 {
			n := remaining
			if n > stdinChunkSize {
				n = stdinChunkSize
			}
			chain = append(chain, requestBuffer{kind: bufOwned, bytes: newRecordHeader(typeStdin, int(n))})
			chain = append(chain, requestBuffer{kind: bufView, r: body, n: n})
			if pad := padTo8(int(n)); pad > 0 {
				chain = append(chain, requestBuffer{kind: bufOwned, bytes: append([]byte(nil), zeroPad[:pad]...)})
			}
			remaining -= n
		}
		return chain, nil
	}

	buf := make([]byte, stdinChunkSize)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chain = append(chain, requestBuffer{kind: bufOwned, bytes: newRecordHeader(typeStdin, n)})
			chain = append(chain, requestBuffer{kind: bufOwned, bytes: chunk})
			if pad := padTo8(n); pad > 0 {
				chain = append(chain, requestBuffer{kind: bufOwned, bytes: append([]byte(nil), zeroPad[:pad]...)})
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// chainBytes materializes a chain into a single []byte, for tests that
// assert on the full outbound byte stream.
func chainBytes(chain []requestBuffer) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := writeChain(&buf, chain); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
