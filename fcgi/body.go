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

import "go.uber.org/zap"

// bodyFilter consumes raw network buffers and produces a chain of
// zero-copy body slices by masking out record headers, padding bytes, and
// STDERR interludes.
//
// It shares the frameState layout with headerParser so a filter can be
// started from the exact byte position the header parser left off at.
type bodyFilter struct {
	frameState

	stderrBuf []byte
	done      bool // upstream_done: END_REQUEST or empty STDOUT seen

	logger *zap.Logger
}

// newBodyFilter creates a bodyFilter that resumes from a header parser's
// frame state, once headers are complete.
func newBodyFilter(h *headerParser) *bodyFilter {
	return &bodyFilter{frameState: h.frameState, logger: h.logger}
}

// feed consumes nb.data[:nb.fill], returning the body slices decoded from
// it. Every returned slice holds a reference on nb; the caller must
// Release each one once consumed. If feed returns zero slices and the
// buffer is not yet upstream_done, the caller may recycle nb immediately
// since nothing references it.
func (f *bodyFilter) feed(nb *netBuf) ([]bodySlice, error) {
	buf := nb.data[:nb.fill]
	i := 0
	var slices []bodySlice

	for i < len(buf) && !f.done {
		if f.step < stepData {
			res, err := f.feedHeader(buf, &i)
			if err != nil {
				return slices, err
			}
			if res == decodeNeedMore {
				break
			}
			switch f.recType {
			case typeEndRequest:
				f.done = true
				return slices, nil
			case typeStdout:
				if f.length == 0 {
					f.done = true
					return slices, nil
				}
			}
		}

		if f.recType == typeStderr {
			if res := consumeStderr(&f.frameState, &f.stderrBuf, buf, &i); res == decodeNeedMore {
				break
			}
			f.logger.Warn(trimStderr(f.stderrBuf))
			f.stderrBuf = f.stderrBuf[:0]
			f.step = stepPadding
			if res := consumePadding(&f.frameState, buf, &i); res == decodeNeedMore {
				break
			}
			continue
		}

		if f.step == stepPadding {
			if res := consumePadding(&f.frameState, buf, &i); res == decodeNeedMore {
				break
			}
			continue
		}

		// STDOUT with length > 0.
		avail := len(buf) - i
		if avail == 0 {
			break
		}
		take := avail
		if take > f.length {
			take = f.length
		}
		lo := i
		i += take
		f.length -= take

		nb.addRef()
		slices = append(slices, bodySlice{buf: nb, lo: lo, hi: i})

		if f.length == 0 {
			f.step = stepPadding
			if res := consumePadding(&f.frameState, buf, &i); res == decodeNeedMore {
				break
			}
			continue
		}
		break
	}

	if len(slices) > 0 {
		slices[len(slices)-1].lastShadow = true
	}
	return slices, nil
}

// Done reports whether the upstream response is fully consumed
// (END_REQUEST or an empty STDOUT record has been seen).
func (f *bodyFilter) Done() bool {
	return f.done
}
