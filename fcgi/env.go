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
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
)

// serverSoftware is the SERVER_SOFTWARE CGI variable value this engine
// advertises to the responder.
const serverSoftware = "fcgiproxy"

// varContext holds everything the parameter template's variable segments
// need to resolve against one live request. It is built once per request
// by RoundTrip (via newVarContext) and handed to the emitter for both its
// measurement and write passes.
type varContext struct {
	req *http.Request

	documentRoot string
	scriptName   string
	pathInfo     string
	documentURI  string

	remoteAddr string
	remotePort string
	serverName string
	serverPort string
	requestURI string
}

// newVarContext derives a varContext from an inbound HTTP request and the
// resolved script name (see ScriptName). When passUnparsedURI is set and
// the request carries its original raw request line (r.RequestURI, only
// populated for requests as received by an HTTP server), REQUEST_URI uses
// that raw text instead of the normalized, re-escaped r.URL.RequestURI().
func newVarContext(r *http.Request, documentRoot, scriptName, pathInfo string, passUnparsedURI bool) *varContext {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	serverName, serverPort := splitHostPort(host)

	remoteAddr, remotePort := splitHostPort(r.RemoteAddr)

	requestURI := r.URL.RequestURI()
	if passUnparsedURI && r.RequestURI != "" {
		requestURI = r.RequestURI
	}

	return &varContext{
		req:          r,
		documentRoot: documentRoot,
		scriptName:   scriptName,
		pathInfo:     pathInfo,
		documentURI:  r.URL.Path,
		remoteAddr:   remoteAddr,
		remotePort:   remotePort,
		serverName:   serverName,
		serverPort:   serverPort,
		requestURI:   requestURI,
	}
}

func splitHostPort(hostport string) (host, port string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}

// ScriptName implements the script_name request-derived variable:
// if the incoming URI ends with "/", the value is uri + index; otherwise
// it is the uri verbatim.
func ScriptName(uri, index string) string {
	if strings.HasSuffix(uri, "/") {
		return uri + index
	}
	return uri
}

func varOf(f func(*varContext) string) variable { return f }

var (
	vGatewayInterface = varOf(func(*varContext) string { return "CGI/1.1" })
	vServerSoftware   = varOf(func(*varContext) string { return serverSoftware })
	vServerProtocol   = varOf(func(c *varContext) string { return c.req.Proto })
	vRequestMethod    = varOf(func(c *varContext) string { return c.req.Method })
	vQueryString      = varOf(func(c *varContext) string { return c.req.URL.RawQuery })
	vContentType      = varOf(func(c *varContext) string { return c.req.Header.Get("Content-Type") })
	vContentLength    = varOf(func(c *varContext) string {
		if c.req.ContentLength < 0 {
			return ""
		}
		return strconv.FormatInt(c.req.ContentLength, 10)
	})
	vRemoteAddr     = varOf(func(c *varContext) string { return c.remoteAddr })
	vRemotePort     = varOf(func(c *varContext) string { return c.remotePort })
	vRemoteHost     = varOf(func(c *varContext) string { return c.remoteAddr })
	vRemoteUser     = varOf(func(c *varContext) string { return usernameOf(c.req) })
	vServerName     = varOf(func(c *varContext) string { return c.serverName })
	vServerPort     = varOf(func(c *varContext) string { return c.serverPort })
	vDocumentRoot   = varOf(func(c *varContext) string { return c.documentRoot })
	vDocumentURI    = varOf(func(c *varContext) string { return c.documentURI })
	vScriptName     = varOf(func(c *varContext) string { return c.scriptName })
	vScriptFilename = varOf(func(c *varContext) string { return path.Join(c.documentRoot, c.scriptName) })
	vPathInfo       = varOf(func(c *varContext) string { return c.pathInfo })
	vPathTranslated = varOf(func(c *varContext) string {
		if c.pathInfo == "" {
			return ""
		}
		return path.Join(c.documentRoot, c.pathInfo)
	})
	vRequestURI = varOf(func(c *varContext) string { return c.requestURI })
	vHTTPHost   = varOf(func(c *varContext) string { return c.req.Host })
	vHTTPS      = varOf(func(c *varContext) string {
		if c.req.TLS != nil {
			return "on"
		}
		return ""
	})
)

func usernameOf(r *http.Request) string {
	if u := r.URL.User; u != nil {
		return u.Username()
	}
	return ""
}

// defaultParamPairs returns the fixed CGI/1.1 environment this engine
// always emits.
// PATH_TRANSLATED is conditionally skipped by the emitter itself, since its
// template evaluates to the empty string when PathInfo is unset and the
// emitter drops zero-length values.
func defaultParamPairs() []paramPair {
	return []paramPair{
		{"GATEWAY_INTERFACE", []templateSegment{varSegment(vGatewayInterface)}},
		{"SERVER_SOFTWARE", []templateSegment{varSegment(vServerSoftware)}},
		{"SERVER_PROTOCOL", []templateSegment{varSegment(vServerProtocol)}},
		{"REQUEST_METHOD", []templateSegment{varSegment(vRequestMethod)}},
		{"QUERY_STRING", []templateSegment{varSegment(vQueryString)}},
		{"CONTENT_TYPE", []templateSegment{varSegment(vContentType)}},
		{"CONTENT_LENGTH", []templateSegment{varSegment(vContentLength)}},
		{"REMOTE_ADDR", []templateSegment{varSegment(vRemoteAddr)}},
		{"REMOTE_PORT", []templateSegment{varSegment(vRemotePort)}},
		{"REMOTE_HOST", []templateSegment{varSegment(vRemoteHost)}},
		{"REMOTE_USER", []templateSegment{varSegment(vRemoteUser)}},
		{"SERVER_NAME", []templateSegment{varSegment(vServerName)}},
		{"SERVER_PORT", []templateSegment{varSegment(vServerPort)}},
		{"DOCUMENT_ROOT", []templateSegment{varSegment(vDocumentRoot)}},
		{"DOCUMENT_URI", []templateSegment{varSegment(vDocumentURI)}},
		{"SCRIPT_NAME", []templateSegment{varSegment(vScriptName)}},
		{"SCRIPT_FILENAME", []templateSegment{varSegment(vScriptFilename)}},
		{"PATH_INFO", []templateSegment{varSegment(vPathInfo)}},
		{"PATH_TRANSLATED", []templateSegment{varSegment(vPathTranslated)}},
		{"REQUEST_URI", []templateSegment{varSegment(vRequestURI)}},
		{"HTTP_HOST", []templateSegment{varSegment(vHTTPHost)}},
		{"HTTPS", []templateSegment{varSegment(vHTTPS)}},
	}
}

// hopByHopHeaders are never forwarded as HTTP_* params, matching the
// usual header pass-through skip list.
var hopByHopHeaders = map[string]bool{
	"Connection":         true,
	"Content-Length":     true,
	"Content-Type":       true,
	"Keep-Alive":         true,
	"Proxy-Authenticate": true,
	"Proxy-Connection":   true,
	"Te":                 true,
	"Trailer":            true,
	"Transfer-Encoding":  true,
	"Upgrade":            true,
	"Host":               true,
}
