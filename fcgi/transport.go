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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidSplitPath is returned by Provision when a configured
// SplitPath entry contains non-ASCII bytes, which the path-splitting
// algorithm cannot safely case-fold without risking a length change (the
// root cause of the Unicode split-path regression this engine guards
// against; see splitPos).
var ErrInvalidSplitPath = errors.New("fcgi: splitPath entries must be valid ASCII")

// Transport implements http.RoundTripper over a FastCGI upstream, acting
// as the external I/O engine: one goroutine per in-flight request,
// blocking on a single net.Conn.
type Transport struct {
	Config *Config

	Logger *zap.Logger

	bal     *balancer
	dlMu    sync.Mutex
	dialers map[string]dialer
}

// Provision validates cfg and readies the Transport for RoundTrip. It must
// be called once before the Transport is used.
func (t *Transport) Provision(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, sp := range cfg.SplitPath {
		if !isASCII(sp) {
			return ErrInvalidSplitPath
		}
	}
	t.Config = cfg
	if t.Logger == nil {
		t.Logger = zap.NewNop()
	}
	t.bal = newBalancer(cfg.Upstreams)
	t.dialers = make(map[string]dialer, len(cfg.Upstreams))
	return nil
}

// dialerFor returns the (possibly pooled) dialer for a single upstream
// address, creating it on first use. One dialer per address lets a
// keep-alive pool (cfg.KeepAlivePoolSize > 0) be maintained per peer when
// the balancer spreads requests across more than one upstream.
func (t *Transport) dialerFor(addr string) dialer {
	t.dlMu.Lock()
	defer t.dlMu.Unlock()
	if d, ok := t.dialers[addr]; ok {
		return d
	}
	network, address := parseAddress(addr)
	cfg := t.Config
	basic := newBasicDialer(network, address, func() net.Dialer {
		return net.Dialer{Timeout: cfg.DialTimeout}
	})
	var d dialer = basic
	if cfg.KeepAlivePoolSize > 0 {
		d = newPersistentDialer(cfg.KeepAlivePoolSize, basic)
	}
	t.dialers[addr] = d
	return d
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// parseAddress splits an upstream address of the form "tcp://host:port",
// "unix:/path/to.sock", "fastcgi://host:port", or a bare "host:port" /
// filesystem path into a net.Dial-compatible (network, address) pair.
func parseAddress(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "fastcgi://"):
		return "tcp", strings.TrimPrefix(addr, "fastcgi://")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "/"):
		return "unix", addr
	default:
		return "tcp", addr
	}
}

// splitPos locates where a SCRIPT_NAME should end and PATH_INFO should
// begin, by finding the first configured extension in path. It returns -1
// if none of the configured extensions occur in path, and 0 if no
// SplitPath is configured at all (the whole path is the script name).
//
// The search is done with strings.EqualFold over byte windows of path
// itself rather than by lower-casing a copy of path first: case folding
// some Unicode code points changes their UTF-8 byte length (for example
// Turkish İ), which would desynchronize a byte offset computed against a
// folded copy from the offset that's valid in the original string. See
// GHSA-g966-83w7-6w38.
func (t *Transport) splitPos(path string) int {
	if len(t.Config.SplitPath) == 0 {
		return 0
	}
	for _, split := range t.Config.SplitPath {
		if idx := indexFold(path, split); idx > -1 {
			return idx + len(split)
		}
	}
	return -1
}

func indexFold(s, substr string) int {
	if len(substr) == 0 {
		return 0
	}
	n := len(s) - len(substr)
	for i := 0; i <= n; i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

// RoundTrip sends r to the upstream FastCGI responder and returns its
// response.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	cfg := t.Config

	reqID := r.Header.Get("X-Request-Id")
	generatedReqID := reqID == ""
	if generatedReqID {
		reqID = uuid.NewString()
	}
	logger := t.Logger.With(zap.String("request_id", reqID))

	scriptName, pathInfo := t.splitScriptName(r.URL.Path)
	vctx := newVarContext(r, cfg.Root, scriptName, pathInfo, cfg.PassUnparsedURI)

	pairs := defaultParamPairs()
	if generatedReqID {
		pairs = append(pairs, paramPair{name: "HTTP_X_REQUEST_ID", value: []templateSegment{litSegment(reqID)}})
	}
	for name, val := range cfg.Env {
		pairs = append(pairs, paramPair{name: name, value: []templateSegment{litSegment(val)}})
	}
	pairs = append(pairs, cfg.Params...)
	if cfg.PassHeaders {
		pairs = appendHeaderPairs(pairs, r.Header, hopByHopHeaders)
	}

	chain, err := buildRequest(buildRequestOptions{
		pairs:    pairs,
		ctx:      vctx,
		passBody: cfg.PassBody && r.Body != nil,
		body:     r.Body,
		bodyLen:  r.ContentLength,
	})
	if err != nil {
		return nil, err
	}

	dl := t.dialerFor(t.bal.pick())

	dialCtx := r.Context()
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, cfg.DialTimeout)
		defer cancel()
	}
	conn, err := dl.Dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("fcgi: dial upstream: %w", err)
	}

	if cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	}
	if _, err := writeChain(conn, chain); err != nil {
		dl.Close(conn)
		return nil, fmt.Errorf("fcgi: write request: %w", err)
	}

	if cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}

	br := bufio.NewReaderSize(conn, cfg.HeaderBufferSize)
	hp := newHeaderParser(logger)
	if err := readHeaders(br, hp); err != nil {
		dl.Close(conn)
		return nil, err
	}
	if !cfg.PassPoweredBy {
		hp.Headers.Del("X-Powered-By")
	}

	bf := newBodyFilter(hp)
	body := &responseBodyReader{
		bf:   bf,
		br:   br,
		pool: newBufPool(cfg.chunkSize()),
		dl:   dl,
		conn: conn,
	}

	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", hp.StatusCode, hp.StatusText),
		StatusCode:    hp.StatusCode,
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Header:        hp.Headers,
		Body:          body,
		ContentLength: -1,
		Request:       r,
	}
	if cl := hp.Headers.Get("Content-Length"); cl != "" {
		resp.ContentLength = parseContentLength(cl)
	}
	return resp, nil
}

func parseContentLength(s string) int64 {
	var n int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return -1
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n
}

// splitScriptName applies the script_name fallback for directory requests
// to uriPath, then splits the result into (scriptName, pathInfo) at splitPos.
func (t *Transport) splitScriptName(uriPath string) (scriptName, pathInfo string) {
	scriptName = ScriptName(uriPath, t.Config.Index)
	pos := t.splitPos(scriptName)
	if pos <= 0 || pos >= len(scriptName) {
		return scriptName, ""
	}
	return scriptName[:pos], scriptName[pos:]
}

// readHeaders drives hp to completion over reads from br.
func readHeaders(br *bufio.Reader, hp *headerParser) error {
	for {
		_, rerr := br.Peek(1)
		if n := br.Buffered(); n > 0 {
			buf, _ := br.Peek(n)
			i := 0
			for i < n {
				res, err := hp.feed(buf, &i)
				if err != nil {
					return err
				}
				if res == hdrOk {
					br.Discard(i)
					return nil
				}
				if res == hdrNeedMore && i >= n {
					break
				}
			}
			br.Discard(i)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return &ProtocolError{Kind: EmptyStdoutBeforeHeaders, Msg: "connection closed before headers complete"}
			}
			return rerr
		}
	}
}

// responseBodyReader adapts a bodyFilter, fed from a bufio.Reader over the
// upstream connection, into an io.ReadCloser suitable for http.Response.Body.
type responseBodyReader struct {
	bf   *bodyFilter
	br   *bufio.Reader
	pool *bufPool
	dl   dialer
	conn net.Conn

	cur    []bodySlice
	curIdx int
	off    int
	closed bool
}

func (b *responseBodyReader) Read(p []byte) (int, error) {
	for {
		if b.curIdx < len(b.cur) {
			s := b.cur[b.curIdx]
			data := s.Bytes()[b.off:]
			n := copy(p, data)
			b.off += n
			if b.off >= s.Len() {
				s.Release()
				b.curIdx++
				b.off = 0
			}
			return n, nil
		}
		b.cur, b.curIdx, b.off = nil, 0, 0

		if b.bf.Done() {
			return 0, io.EOF
		}

		nb := b.pool.get()
		n, err := b.br.Read(nb.data)
		nb.fill = n
		if n > 0 {
			slices, ferr := b.bf.feed(nb)
			if ferr != nil {
				return 0, ferr
			}
			if len(slices) == 0 {
				b.pool.pool.Put(nb)
			} else {
				b.cur = slices
			}
		} else {
			b.pool.pool.Put(nb)
		}
		if err != nil {
			if b.bf.Done() {
				continue
			}
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
}

func (b *responseBodyReader) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.dl.Close(b.conn)
}
