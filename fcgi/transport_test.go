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

func TestProvisionRejectsNonASCIISplitPath(t *testing.T) {
	tests := []struct {
		name      string
		splitPath []string
		wantErr   error
	}{
		{name: "valid lowercase split path", splitPath: []string{".php"}},
		{name: "valid uppercase split path", splitPath: []string{".PHP"}},
		{name: "empty split path"},
		{name: "non-ASCII character rejected", splitPath: []string{".php", ".Ⱥphp"}, wantErr: ErrInvalidSplitPath},
		{name: "unicode character rejected", splitPath: []string{".phpɥ"}, wantErr: ErrInvalidSplitPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Transport{}
			cfg := NewConfig("127.0.0.1:9000")
			cfg.SplitPath = tt.splitPath
			err := tr.Provision(cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestSplitPos covers the unicode-case-folding regression suite
// (GHSA-g966-83w7-6w38): splitPos must operate on byte offsets of the
// original path, never a lower-cased copy whose length may differ from
// the original's.
func TestSplitPos(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		splitPath []string
		wantPos   int
	}{
		{name: "simple php extension", path: "/path/to/script.php", splitPath: []string{".php"}, wantPos: 19},
		{name: "php extension with path info", path: "/path/to/script.php/some/path", splitPath: []string{".php"}, wantPos: 19},
		{name: "case insensitive match", path: "/path/to/script.PHP", splitPath: []string{".php"}, wantPos: 19},
		{name: "mixed case match", path: "/path/to/script.PhP/info", splitPath: []string{".php"}, wantPos: 19},
		{name: "no match", path: "/path/to/script.txt", splitPath: []string{".php"}, wantPos: -1},
		{name: "empty split path", path: "/path/to/script.php", splitPath: []string{}, wantPos: 0},
		{name: "multiple split paths first match", path: "/path/to/script.php", splitPath: []string{".php", ".phtml"}, wantPos: 19},
		{name: "multiple split paths second match", path: "/path/to/script.phtml", splitPath: []string{".php", ".phtml"}, wantPos: 21},
		{name: "unicode path with case-folding length expansion", path: "/ȺȺȺȺshell.php", splitPath: []string{".php"}, wantPos: 18},
		{name: "turkish capital I with dot", path: "/İtest.php", splitPath: []string{".php"}, wantPos: 11},
		{name: "ascii only path with case variation", path: "/PATH/TO/SCRIPT.PHP/INFO", splitPath: []string{".php"}, wantPos: 19},
		{name: "path at root", path: "/index.php", splitPath: []string{".php"}, wantPos: 10},
		{name: "extension in middle of filename", path: "/test.php.bak", splitPath: []string{".php"}, wantPos: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Transport{Config: &Config{SplitPath: tt.splitPath}}
			assert.Equal(t, tt.wantPos, tr.splitPos(tt.path), "splitPos(%q, %v)", tt.path, tt.splitPath)
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in, network, address string
	}{
		{"tcp://127.0.0.1:9000", "tcp", "127.0.0.1:9000"},
		{"fastcgi://127.0.0.1:9000", "tcp", "127.0.0.1:9000"},
		{"unix:/run/php.sock", "unix", "/run/php.sock"},
		{"/run/php.sock", "unix", "/run/php.sock"},
		{"127.0.0.1:9000", "tcp", "127.0.0.1:9000"},
	}
	for _, tt := range tests {
		network, address := parseAddress(tt.in)
		assert.Equal(t, tt.network, network)
		assert.Equal(t, tt.address, address)
	}
}

func TestScriptNameIndexFallback(t *testing.T) {
	assert.Equal(t, "/index.php", ScriptName("/", "index.php"))
	assert.Equal(t, "/app/index.php", ScriptName("/app/", "index.php"))
	assert.Equal(t, "/app/script.php", ScriptName("/app/script.php", "index.php"))
}

func TestSplitScriptNameAndPathInfo(t *testing.T) {
	tr := &Transport{Config: &Config{Index: "index.php", SplitPath: []string{".php"}}}
	script, pathInfo := tr.splitScriptName("/app/script.php/extra/path")
	assert.Equal(t, "/app/script.php", script)
	assert.Equal(t, "/extra/path", pathInfo)
}
