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
	"strings"
)

// segKind distinguishes the two shapes a template segment can take.
type segKind int

const (
	segLiteral segKind = iota
	segVariable
)

// variable resolves to a request-derived string. Defined this way rather
// than as a fixed enum of variable names so that env.go can hand out
// closures over a *varContext without this file needing to know the full
// variable set.
type variable func(*varContext) string

// templateSegment is one piece of a parameter value template: either a
// literal byte run or a variable reference resolved against the live
// request.
type templateSegment struct {
	kind segKind
	lit  []byte
	v    variable
}

func litSegment(s string) templateSegment {
	return templateSegment{kind: segLiteral, lit: []byte(s)}
}

func varSegment(v variable) templateSegment {
	return templateSegment{kind: segVariable, v: v}
}

// paramPair is one configured (name, value-template) entry in the
// parameter emitter's compiled template.
type paramPair struct {
	name  string
	value []templateSegment
}

// evalLen computes the byte length a template would emit for ctx without
// allocating the value, used in the emitter's measurement pass.
func evalLen(segs []templateSegment, ctx *varContext) int {
	n := 0
	for _, s := range segs {
		if s.kind == segLiteral {
			n += len(s.lit)
		} else {
			n += len(s.v(ctx))
		}
	}
	return n
}

// evalWrite writes a template's value into dst (which must be exactly
// evalLen(segs, ctx) bytes) and returns the number of bytes written.
func evalWrite(dst []byte, segs []templateSegment, ctx *varContext) int {
	n := 0
	for _, s := range segs {
		if s.kind == segLiteral {
			n += copy(dst[n:], s.lit)
		} else {
			n += copy(dst[n:], s.v(ctx))
		}
	}
	return n
}

// sizeLen returns how many bytes encodeSize would need for n: 1 if n <=
// 127, else 4.
func sizeLen(n int) int {
	if n <= 127 {
		return 1
	}
	return 4
}

// encodeSize appends the FastCGI name/value length prefix for n to dst.
func encodeSize(dst []byte, n int) []byte {
	if n <= 127 {
		return append(dst, byte(n))
	}
	return append(dst,
		byte(n>>24)|0x80,
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// decodeSize reads one FastCGI name/value length prefix from the front of
// buf, returning the decoded size and the number of bytes consumed. ok is
// false if buf does not hold a complete length prefix.
func decodeSize(buf []byte) (n int, consumed int, ok bool) {
	if len(buf) == 0 {
		return 0, 0, false
	}
	if buf[0]&0x80 == 0 {
		return int(buf[0]), 1, true
	}
	if len(buf) < 4 {
		return 0, 0, false
	}
	n = int(buf[0]&0x7f)<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	return n, 4, true
}

// emitter walks a compiled parameter template in two deterministic passes:
// measure (to size the PARAMS payload before allocating it) then write (to
// fill the allocated payload). Pairs whose evaluated value length is zero
// are skipped entirely, in both passes.
type emitter struct {
	pairs []paramPair
	ctx   *varContext
}

// measure returns the total PARAMS payload length this emitter would
// produce.
func (e *emitter) measure() int {
	total := 0
	for _, p := range e.pairs {
		vlen := evalLen(p.value, e.ctx)
		if vlen == 0 {
			continue
		}
		total += sizeLen(len(p.name)) + sizeLen(vlen) + len(p.name) + vlen
	}
	return total
}

// write fills dst (which must be exactly measure() bytes) with the
// encoded name/value pairs.
func (e *emitter) write(dst []byte) int {
	n := 0
	for _, p := range e.pairs {
		vlen := evalLen(p.value, e.ctx)
		if vlen == 0 {
			continue
		}
		buf := dst[n:n]
		buf = encodeSize(buf, len(p.name))
		buf = encodeSize(buf, vlen)
		n += len(buf)
		n += copy(dst[n:], p.name)
		n += evalWrite(dst[n:n+vlen], p.value, e.ctx)
	}
	return n
}

// httpHeaderName rewrites an HTTP header name to its CGI PARAMS form:
// HTTP_ + uppercase + '-' -> '_', matching the usual buildEnv header
// pass-through loop.
func httpHeaderName(name string) string {
	var b strings.Builder
	b.Grow(5 + len(name))
	b.WriteString("HTTP_")
	for _, r := range name {
		if r == '-' {
			b.WriteByte('_')
		} else if r >= 'a' && r <= 'z' {
			b.WriteByte(byte(r - 'a' + 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// appendHeaderPairs appends one paramPair per (name, values...) entry in
// hdr, skipping the names in skip, for HTTP header pass-through.
func appendHeaderPairs(pairs []paramPair, hdr map[string][]string, skip map[string]bool) []paramPair {
	for name, vals := range hdr {
		if skip[name] || len(vals) == 0 {
			continue
		}
		pairs = append(pairs, paramPair{
			name:  httpHeaderName(name),
			value: []templateSegment{litSegment(strings.Join(vals, ", "))},
		})
	}
	return pairs
}
