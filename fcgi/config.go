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
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// NextUpstreamMask is the set of conditions under which the surrounding
// proxy should retry a request against another upstream peer. The core
// engine doesn't act on it directly — it's surfaced so the outer request
// pipeline can make that decision.
type NextUpstreamMask uint8

const (
	NextUpstreamError NextUpstreamMask = 1 << iota
	NextUpstreamTimeout
	NextUpstreamInvalidHeader
	NextUpstreamHTTP500
	NextUpstreamHTTP404
)

var nextUpstreamNames = map[string]NextUpstreamMask{
	"error":          NextUpstreamError,
	"timeout":        NextUpstreamTimeout,
	"invalid_header": NextUpstreamInvalidHeader,
	"http_500":       NextUpstreamHTTP500,
	"http_404":       NextUpstreamHTTP404,
}

// defaultTimeout matches the common fcgiclient default.
const defaultTimeout = 60 * time.Second

const defaultMaxTempFileSize = 1 << 30 // 1 GiB

// Config is the directive-level configuration surface for a Transport.
// The directive names recognized by ParseConfig are nginx-derived.
type Config struct {
	Upstreams []string
	Root      string
	Index     string
	SplitPath []string

	Params []paramPair
	Env    map[string]string

	PassHeaders     bool
	PassBody        bool
	PassPoweredBy   bool
	RedirectErrors  bool
	PassUnparsedURI bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	SendLowAt int

	HeaderBufferSize    int
	BufferPoolCount     int
	BufferPoolChunkSize int
	BusyBuffersSize     int
	TempFileWriteSize   int
	MaxTempFileSize     int
	TempDir             string

	MethodOverride string

	NextUpstream NextUpstreamMask

	KeepAlivePoolSize int
}

// NewConfig returns a Config populated with this engine's defaults: a
// 60s timeout and nginx's default buffer sizing (8 buffers of one page
// each).
func NewConfig(upstream string) *Config {
	return &Config{
		Upstreams:           []string{upstream},
		Index:               "index.php",
		PassHeaders:         true,
		PassBody:            true,
		PassPoweredBy:       true,
		DialTimeout:         defaultTimeout,
		WriteTimeout:        defaultTimeout,
		ReadTimeout:         defaultTimeout,
		HeaderBufferSize:    4096,
		BufferPoolCount:     8,
		BufferPoolChunkSize: 4096,
		MaxTempFileSize:     defaultMaxTempFileSize,
		NextUpstream:        NextUpstreamError | NextUpstreamTimeout | NextUpstreamInvalidHeader,
	}
}

func (c *Config) chunkSize() int {
	if c.BufferPoolChunkSize > 0 {
		return c.BufferPoolChunkSize
	}
	return 4096
}

// Validate checks the configuration surface, returning a *ConfigError on
// the first violation. Validation errors are raised only at startup.
func (c *Config) Validate() error {
	if len(c.Upstreams) == 0 {
		return &ConfigError{Directive: "fastcgi", Msg: "at least one upstream endpoint is required"}
	}
	if c.MethodOverride != "" && c.MethodOverride != "get" {
		return &ConfigError{Directive: "fastcgi_pass_request_method", Msg: "only \"get\" may be coerced"}
	}
	if c.BufferPoolCount > 0 && c.BufferPoolCount < 2 {
		return &ConfigError{Directive: "fastcgi_buffers", Msg: "buffer pool size requires at least 2 buffers"}
	}
	maxOf := c.HeaderBufferSize
	if c.chunkSize() > maxOf {
		maxOf = c.chunkSize()
	}
	if c.BusyBuffersSize != 0 {
		if c.BusyBuffersSize < maxOf {
			return &ConfigError{Directive: "fastcgi_busy_buffers_size", Msg: "must be >= max(header buffer size, chunk size)"}
		}
		if c.BufferPoolCount > 0 && c.BusyBuffersSize > (c.BufferPoolCount-1)*c.chunkSize() {
			return &ConfigError{Directive: "fastcgi_busy_buffers_size", Msg: "must be <= (buffer count - 1) * chunk size"}
		}
	}
	if c.MaxTempFileSize != 0 && c.MaxTempFileSize < maxOf {
		return &ConfigError{Directive: "fastcgi_max_temp_file_size", Msg: "must be 0 or >= max(header buffer size, chunk size)"}
	}
	return nil
}

// namedVariables maps a configuration-file variable name to the resolver
// function a parameter template segment invokes against the live request.
var namedVariables = map[string]variable{
	"remote_addr":       vRemoteAddr,
	"remote_port":       vRemotePort,
	"remote_host":       vRemoteHost,
	"remote_user":       vRemoteUser,
	"server_name":       vServerName,
	"server_port":       vServerPort,
	"server_protocol":   vServerProtocol,
	"server_software":   vServerSoftware,
	"gateway_interface": vGatewayInterface,
	"document_root":     vDocumentRoot,
	"document_uri":      vDocumentURI,
	"script_name":       vScriptName,
	"script_filename":   vScriptFilename,
	"path_info":         vPathInfo,
	"path_translated":   vPathTranslated,
	"request_uri":       vRequestURI,
	"request_method":    vRequestMethod,
	"query_string":      vQueryString,
	"content_type":      vContentType,
	"content_length":    vContentLength,
	"http_host":         vHTTPHost,
	"https":             vHTTPS,
}

// parseTemplate compiles a value-template string into template segments.
// "${name}" references a request variable by the names in namedVariables;
// everything else is literal. This is the configuration-file surface for
// the compiled parameter template used by the parameter emitter.
func parseTemplate(s string) ([]templateSegment, error) {
	var segs []templateSegment
	var lit strings.Builder
	flushLit := func() {
		if lit.Len() > 0 {
			segs = append(segs, litSegment(lit.String()))
			lit.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("fcgi: unterminated variable reference in template %q", s)
			}
			name := s[i+2 : i+2+end]
			v, ok := namedVariables[name]
			if !ok {
				return nil, fmt.Errorf("fcgi: unknown variable %q in template %q", name, s)
			}
			flushLit()
			segs = append(segs, varSegment(v))
			i += 2 + end
			continue
		}
		lit.WriteByte(s[i])
	}
	flushLit()
	return segs, nil
}

// ParseConfig reads a directive-style configuration block:
//
//	fastcgi upstream[,upstream...] {
//	    root /srv/www
//	    index index.php
//	    split_path .php
//	    pass_headers true
//	    pass_body true
//	    timeout_connect 5000
//	    param HTTP_X_REAL_IP ${remote_addr}
//	}
//
// Tokenization follows a Caddyfile-style lexer in spirit (quoted
// strings, "#" line comments) but only the flat single-block shape this
// directive needs — no imports, heredocs, or nested blocks.
func ParseConfig(r io.Reader) (*Config, error) {
	lines, err := tokenizeLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &ConfigError{Directive: "fastcgi", Msg: "empty configuration"}
	}

	head := lines[0]
	if len(head) < 2 || head[0] != "fastcgi" {
		return nil, &ConfigError{Directive: "fastcgi", Msg: "expected \"fastcgi <upstream> {\""}
	}
	upstreamField := head[1]
	braced := len(head) >= 3 && head[len(head)-1] == "{"
	cfg := NewConfig("")
	cfg.Upstreams = strings.Split(upstreamField, ",")

	body := lines[1:]
	if braced {
		if len(body) == 0 || body[len(body)-1][0] != "}" {
			return nil, &ConfigError{Directive: "fastcgi", Msg: "missing closing \"}\""}
		}
		body = body[:len(body)-1]
	}

	for _, fields := range body {
		if err := applyDirective(cfg, fields); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyDirective(cfg *Config, fields []string) error {
	name := fields[0]
	args := fields[1:]
	switch name {
	case "root":
		cfg.Root = arg(args, 0)
	case "index":
		cfg.Index = arg(args, 0)
	case "split_path":
		cfg.SplitPath = args
	case "pass_headers":
		cfg.PassHeaders = boolArg(args)
	case "pass_body":
		cfg.PassBody = boolArg(args)
	case "pass_powered_by":
		cfg.PassPoweredBy = boolArg(args)
	case "redirect_errors":
		cfg.RedirectErrors = boolArg(args)
	case "pass_unparsed_uri":
		cfg.PassUnparsedURI = boolArg(args)
	case "timeout_connect":
		d, err := msArg(args)
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.DialTimeout = d
	case "timeout_send":
		d, err := msArg(args)
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.WriteTimeout = d
	case "timeout_read":
		d, err := msArg(args)
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.ReadTimeout = d
	case "send_lowat":
		n, err := strconv.Atoi(arg(args, 0))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.SendLowAt = n
	case "buffer_size":
		n, err := strconv.Atoi(arg(args, 0))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.HeaderBufferSize = n
	case "buffers":
		if len(args) != 2 {
			return &ConfigError{Directive: name, Msg: "expects <count> <chunk_size>"}
		}
		count, err1 := strconv.Atoi(args[0])
		size, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return &ConfigError{Directive: name, Msg: "count and chunk size must be integers"}
		}
		cfg.BufferPoolCount = count
		cfg.BufferPoolChunkSize = size
	case "busy_buffers_size":
		n, err := strconv.Atoi(arg(args, 0))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.BusyBuffersSize = n
	case "temp_file_write_size":
		n, err := strconv.Atoi(arg(args, 0))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.TempFileWriteSize = n
	case "max_temp_file_size":
		n, err := strconv.Atoi(arg(args, 0))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.MaxTempFileSize = n
	case "temp_dir":
		cfg.TempDir = arg(args, 0)
	case "pass_request_method":
		cfg.MethodOverride = arg(args, 0)
	case "next_upstream":
		mask, err := parseNextUpstream(args)
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.NextUpstream = mask
	case "keepalive":
		n, err := strconv.Atoi(arg(args, 0))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.KeepAlivePoolSize = n
	case "param":
		if len(args) < 2 {
			return &ConfigError{Directive: name, Msg: "expects <name> <value-template>"}
		}
		segs, err := parseTemplate(strings.Join(args[1:], " "))
		if err != nil {
			return &ConfigError{Directive: name, Msg: err.Error()}
		}
		cfg.Params = append(cfg.Params, paramPair{name: args[0], value: segs})
	case "env":
		if len(args) != 2 {
			return &ConfigError{Directive: name, Msg: "expects <name> <value>"}
		}
		if cfg.Env == nil {
			cfg.Env = map[string]string{}
		}
		cfg.Env[args[0]] = args[1]
	default:
		return &ConfigError{Directive: name, Msg: "unrecognized directive"}
	}
	return nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func boolArg(args []string) bool {
	if len(args) == 0 {
		return true
	}
	v, err := strconv.ParseBool(args[0])
	if err != nil {
		return false
	}
	return v
}

func msArg(args []string) (time.Duration, error) {
	n, err := strconv.Atoi(arg(args, 0))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parseNextUpstream(args []string) (NextUpstreamMask, error) {
	var mask NextUpstreamMask
	for _, a := range args {
		bit, ok := nextUpstreamNames[a]
		if !ok {
			return 0, fmt.Errorf("unrecognized next_upstream condition %q", a)
		}
		mask |= bit
	}
	return mask, nil
}

// tokenizeLines splits r into lines of whitespace-separated fields, with
// double-quoted strings treated as one field and "#" starting a
// line-trailing comment. A Caddyfile-style lexer trimmed to the subset
// this directive's flat syntax needs.
func tokenizeLines(r io.Reader) ([][]string, error) {
	scanner := bufio.NewScanner(r)
	var lines [][]string
	for scanner.Scan() {
		fields, err := tokenizeLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			lines = append(lines, fields)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func tokenizeLine(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
		case ch == '#' && !inQuotes:
			flush()
			return fields, nil
		case ch == ' ' || ch == '\t':
			if inQuotes {
				cur.WriteByte(ch)
			} else {
				flush()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("fcgi: unterminated quoted string in %q", line)
	}
	flush()
	return fields, nil
}
