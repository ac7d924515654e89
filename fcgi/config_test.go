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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigBasic(t *testing.T) {
	src := `
fastcgi 127.0.0.1:9000 {
    root /srv/www
    index index.php
    split_path .php .phtml
    pass_headers true
    pass_body false
    timeout_connect 5000
    param HTTP_X_REAL_IP ${remote_addr}
    env FOO bar
}
`
	cfg, err := ParseConfig(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:9000"}, cfg.Upstreams)
	assert.Equal(t, "/srv/www", cfg.Root)
	assert.Equal(t, "index.php", cfg.Index)
	assert.Equal(t, []string{".php", ".phtml"}, cfg.SplitPath)
	assert.True(t, cfg.PassHeaders)
	assert.False(t, cfg.PassBody)
	assert.Equal(t, 5000*1000*1000, int(cfg.DialTimeout))
	require.Len(t, cfg.Params, 1)
	assert.Equal(t, "HTTP_X_REAL_IP", cfg.Params[0].name)
	assert.Equal(t, "bar", cfg.Env["FOO"])
}

func TestParseConfigMultipleUpstreams(t *testing.T) {
	src := "fastcgi 10.0.0.1:9000,10.0.0.2:9000 {\n}\n"
	cfg, err := ParseConfig(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, cfg.Upstreams)
}

func TestParseConfigRejectsUnknownDirective(t *testing.T) {
	src := "fastcgi 127.0.0.1:9000 {\n    bogus_directive 1\n}\n"
	_, err := ParseConfig(strings.NewReader(src))
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestParseConfigQuotedField(t *testing.T) {
	src := `fastcgi 127.0.0.1:9000 {
    param HTTP_X_NOTE "hello world"
}
`
	cfg, err := ParseConfig(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, cfg.Params, 1)
}

func TestValidateRequiresUpstream(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestValidateBufferPoolSize(t *testing.T) {
	cfg := NewConfig("127.0.0.1:9000")
	cfg.BufferPoolCount = 1
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateBusyBuffersSize(t *testing.T) {
	cfg := NewConfig("127.0.0.1:9000")
	cfg.HeaderBufferSize = 4096
	cfg.BufferPoolChunkSize = 4096
	cfg.BufferPoolCount = 8
	cfg.BusyBuffersSize = 1000 // below max(header, chunk)
	err := cfg.Validate()
	require.Error(t, err)
}

func TestParseTemplateUnknownVariable(t *testing.T) {
	_, err := parseTemplate("${not_a_real_variable}")
	require.Error(t, err)
}

func TestParseTemplateLiteralAndVariable(t *testing.T) {
	segs, err := parseTemplate("prefix-${remote_addr}-suffix")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, segLiteral, segs[0].kind)
	assert.Equal(t, segVariable, segs[1].kind)
	assert.Equal(t, segLiteral, segs[2].kind)
}
