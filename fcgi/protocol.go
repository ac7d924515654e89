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

// Package fcgi implements the client side of FastCGI 1.0 framing: encoding
// and decoding of records, the CGI parameter wire format, outbound request
// assembly, and inbound response header/body deframing.
package fcgi

import "encoding/binary"

// Record types, per the FastCGI 1.0 spec.
const (
	typeBeginRequest = 1
	typeAbortRequest = 2
	typeEndRequest   = 3
	typeParams       = 4
	typeStdin        = 5
	typeStdout       = 6
	typeStderr       = 7
	typeData         = 8
)

// Roles.
const (
	roleResponder = 1
)

const version1 = 1

// requestID is fixed: this engine never multiplexes more than one request
// per connection.
const requestID = 1

// maxParamsLen is the largest PARAMS payload this engine will build, imposed
// by the 16-bit content_length field of a FastCGI record header.
const maxParamsLen = 65535

// stdinChunkSize bounds how much request-body data goes into a single STDIN
// record.
const stdinChunkSize = 32 * 1024

// recordHeaderLen is the fixed size of a FastCGI record header.
const recordHeaderLen = 8

// beginRequestBodyLen is the fixed size of a BEGIN_REQUEST record's body.
const beginRequestBodyLen = 8

// padTo8 returns the number of padding bytes needed to bring n up to the
// next multiple of 8 (0 when n is already a multiple of 8).
func padTo8(n int) int {
	return (8 - n%8) % 8
}

// putHeader writes an 8-byte FastCGI record header into buf, which must be
// at least recordHeaderLen bytes.
func putHeader(buf []byte, recType byte, contentLength int, paddingLength byte) {
	buf[0] = version1
	buf[1] = recType
	binary.BigEndian.PutUint16(buf[2:4], requestID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(contentLength))
	buf[6] = paddingLength
	buf[7] = 0
}

// newRecordHeader allocates and fills a single 8-byte record header.
func newRecordHeader(recType byte, contentLength int) []byte {
	buf := make([]byte, recordHeaderLen)
	putHeader(buf, recType, contentLength, byte(padTo8(contentLength)))
	return buf
}

// frameState is the restartable per-byte decoder for a FastCGI record
// stream. The zero value is ready to decode the first record.
//
// It is shared, by embedding, between the response header parser and the
// response body filter so that state handed off from one to the other
// resumes correctly.
type frameState struct {
	step fstep

	recType byte
	length  int // remaining content bytes not yet consumed
	padding int // remaining padding bytes not yet consumed

	hdrBuf  [recordHeaderLen]byte
	hdrFill int
}

type fstep int

const (
	stepVersion fstep = iota
	stepType
	stepReqIDHi
	stepReqIDLo
	stepLenHi
	stepLenLo
	stepPadLen
	stepReserved
	stepData
	stepPadding
)

// headerDecodeResult is returned by feedHeader.
type headerDecodeResult int

const (
	decodeNeedMore headerDecodeResult = iota
	decodeHeaderReady
)

// feedHeader advances the state machine over buf[*i:], consuming bytes of a
// record header one at a time. It returns decodeHeaderReady and leaves *i at
// the first byte after the header once a full header has been decoded; it
// returns decodeNeedMore and leaves *i == len(buf) if buf is exhausted
// first. On protocol violation it returns a *ProtocolError.
func (f *frameState) feedHeader(buf []byte, i *int) (headerDecodeResult, error) {
	for *i < len(buf) {
		b := buf[*i]
		*i++

		switch f.step {
		case stepVersion:
			if b != version1 {
				return decodeNeedMore, &ProtocolError{Kind: UnsupportedVersion}
			}
			f.step = stepType
		case stepType:
			f.recType = b
			if !validDownstreamType(b) {
				return decodeNeedMore, &ProtocolError{Kind: InvalidRecordType}
			}
			f.step = stepReqIDHi
		case stepReqIDHi:
			if b != 0 {
				return decodeNeedMore, &ProtocolError{Kind: UnexpectedRequestID}
			}
			f.step = stepReqIDLo
		case stepReqIDLo:
			if b != requestID {
				return decodeNeedMore, &ProtocolError{Kind: UnexpectedRequestID}
			}
			f.step = stepLenHi
		case stepLenHi:
			f.length = int(b) << 8
			f.step = stepLenLo
		case stepLenLo:
			f.length |= int(b)
			f.step = stepPadLen
		case stepPadLen:
			f.padding = int(b)
			f.step = stepReserved
		case stepReserved:
			f.step = stepData
			return decodeHeaderReady, nil
		}
	}
	return decodeNeedMore, nil
}

// validDownstreamType reports whether a record type is legal in the
// responder-to-client direction.
func validDownstreamType(t byte) bool {
	switch t {
	case typeStdout, typeStderr, typeEndRequest:
		return true
	default:
		return false
	}
}

// reset returns f to its initial state, ready to decode a new record
// header. Used between records once content and padding are drained.
func (f *frameState) reset() {
	f.step = stepVersion
	f.recType = 0
	f.length = 0
	f.padding = 0
}

// consumeStderr accumulates up to f.length bytes of STDERR payload from
// buf into *acc, returning decodeHeaderReady once the full payload has
// arrived (at which point the caller should log it and reset *acc).
// Shared between the header parser and the body filter, which both treat
// STDERR identically.
func consumeStderr(f *frameState, acc *[]byte, buf []byte, i *int) headerDecodeResult {
	avail := len(buf) - *i
	take := avail
	if take > f.length {
		take = f.length
	}
	*acc = append(*acc, buf[*i:*i+take]...)
	*i += take
	f.length -= take
	if f.length > 0 {
		return decodeNeedMore
	}
	return decodeHeaderReady
}

// consumePadding drops up to f.padding bytes from buf, resetting f to
// decode a fresh record header once padding is fully consumed.
func consumePadding(f *frameState, buf []byte, i *int) headerDecodeResult {
	avail := len(buf) - *i
	take := avail
	if take > f.padding {
		take = f.padding
	}
	*i += take
	f.padding -= take
	if f.padding > 0 {
		return decodeNeedMore
	}
	f.reset()
	return decodeHeaderReady
}
