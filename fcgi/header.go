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
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// headerResult is the outcome of one headerParser.feed call.
type headerResult int

const (
	hdrNeedMore headerResult = iota
	hdrOk
	hdrInvalid
)

// headerParser drives a line-oriented HTTP header parser against STDOUT
// payload, strictly bounded by FastCGI record boundaries. See
// the response header block.
type headerParser struct {
	frameState

	lineBuf   []byte
	stderrBuf []byte

	Headers    http.Header
	StatusCode int
	StatusText string

	logger *zap.Logger
}

func newHeaderParser(logger *zap.Logger) *headerParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &headerParser{
		Headers:    make(http.Header),
		StatusCode: http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		logger:     logger,
	}
}

// feed advances header parsing over buf starting at *i, mutating *i as
// bytes are consumed. It returns hdrOk once the blank line terminating the
// header block is seen; at that point the parser's embedded frameState
// (recType, length, padding, step) is left exactly where the Response Body
// Filter should resume, since any bytes left in the current STDOUT record
// are body, not header.
func (h *headerParser) feed(buf []byte, i *int) (headerResult, error) {
	for {
		if h.step < stepData {
			res, err := h.feedHeader(buf, i)
			if err != nil {
				return hdrInvalid, err
			}
			if res == decodeNeedMore {
				return hdrNeedMore, nil
			}
			if h.recType == typeEndRequest {
				return hdrInvalid, &ProtocolError{Kind: EmptyStdoutBeforeHeaders, Msg: "end_request before headers complete"}
			}
			if h.recType == typeStdout && h.length == 0 {
				return hdrInvalid, &ProtocolError{Kind: EmptyStdoutBeforeHeaders, Msg: "empty stdout before headers complete"}
			}
		}

		if h.recType == typeStderr {
			if res := consumeStderr(&h.frameState, &h.stderrBuf, buf, i); res == decodeNeedMore {
				return hdrNeedMore, nil
			}
			h.logger.Warn(trimStderr(h.stderrBuf))
			h.stderrBuf = h.stderrBuf[:0]
			h.step = stepPadding
			if res := consumePadding(&h.frameState, buf, i); res == decodeNeedMore {
				return hdrNeedMore, nil
			}
			continue
		}

		// STDOUT
		avail := len(buf) - *i
		window := avail
		if window > h.length {
			window = h.length
		}
		consumed := 0
		for consumed < window {
			b := buf[*i]
			*i++
			consumed++
			h.lineBuf = append(h.lineBuf, b)
			if b == '\n' {
				complete, err := h.consumeLine()
				if err != nil {
					return hdrInvalid, err
				}
				if complete {
					h.length -= consumed
					h.finalize()
					if h.length == 0 {
						h.step = stepPadding
						consumePadding(&h.frameState, buf, i)
					}
					return hdrOk, nil
				}
			}
		}
		h.length -= consumed
		if h.length == 0 {
			if len(h.lineBuf) > 0 {
				return hdrInvalid, &ProtocolError{Kind: HeaderSplitAcrossRecords}
			}
			h.step = stepPadding
			if res := consumePadding(&h.frameState, buf, i); res == decodeNeedMore {
				return hdrNeedMore, nil
			}
			continue
		}
		return hdrNeedMore, nil
	}
}

// trimStderr strips trailing newline, carriage-return, period, and space
// characters from a STDERR payload.
func trimStderr(b []byte) string {
	s := string(b)
	return strings.TrimRight(s, "\n\r. ")
}

// consumeLine processes a completed line in h.lineBuf (including its
// trailing \n). It returns complete=true when the line is the blank line
// terminating the header block.
func (h *headerParser) consumeLine() (complete bool, err error) {
	line := string(h.lineBuf)
	h.lineBuf = nil

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return true, nil
	}

	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return false, &ProtocolError{Kind: HeaderLineParseFailure, Msg: "missing colon in header line"}
	}
	name := strings.TrimSpace(line[:idx])
	value := strings.TrimSpace(line[idx+1:])
	if name == "" {
		return false, &ProtocolError{Kind: HeaderLineParseFailure, Msg: "empty header name"}
	}
	h.Headers.Add(name, value)
	return false, nil
}

// finalize sets StatusCode/StatusText once the header block is complete.
// The responder's Status pseudo-header, if present, sets the numeric
// status; otherwise 200 OK is assumed.
func (h *headerParser) finalize() {
	status := h.Headers.Get("Status")
	h.Headers.Del("Status")
	if status == "" {
		return
	}
	if len(status) < 3 {
		return
	}
	code, err := strconv.Atoi(status[:3])
	if err != nil {
		return
	}
	h.StatusCode = code
	text := strings.TrimSpace(status[3:])
	if text == "" {
		text = http.StatusText(code)
	}
	h.StatusText = text
}
