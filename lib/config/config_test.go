// Chatwire
// Copyright (C) 2026 Chatwire Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/lib/types"
)

const sampleConfig = `
auth:
  secret: "s3cret"
  issuer: "chatwire"
  audience: "chatwire-clients"
listen:
  stream_addr: "0.0.0.0:8443"
  http_addr: "0.0.0.0:8080"
redis:
  addr: "localhost:6379"
  db: 1
  dial_timeout: "5s"
platforms:
  web:
    access_ttl: "2h"
    refresh_ttl: "168h"
    allow_multi_device: true
    auto_refresh: true
  ios:
    access_ttl: "30m"
    allow_multi_device: false
    auto_refresh: true
routing:
  api_prefix: "/api/v1"
  routes:
    - method: POST
      path: /message/send
      cmd_id: 2001
      service: chat
    - method: GET
      path: /ping
      cmd_id: 2002
      service: chat
      public: true
  services:
    - name: chat
      endpoint: chat.local:9000
      timeout: "5s"
      max_connections: 100
      cmd_range: [2000, 2999]
processor:
  handler_timeout: "30s"
  max_concurrent_tasks: 512
  performance_monitoring: true
`

func TestReadConfig(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	cfg, err := fc.GatewayConfig()
	require.NoError(t, err)
	require.Equal(t, []byte("s3cret"), cfg.AuthSecret)
	require.Equal(t, "chatwire", cfg.TokenIssuer)
	require.Equal(t, "0.0.0.0:8443", cfg.StreamAddr)
	require.Equal(t, 30*time.Second, cfg.HandlerTimeout)
	require.Equal(t, 512, cfg.MaxConcurrentTasks)
	require.True(t, cfg.PerformanceMonitoring)

	web := cfg.Policies.Get(types.PlatformWeb)
	require.Equal(t, 2*time.Hour, web.AccessTTL)
	require.True(t, web.AllowMultiDevice)
	ios := cfg.Policies.Get(types.PlatformIOS)
	require.Equal(t, 30*time.Minute, ios.AccessTTL)
	require.False(t, ios.AllowMultiDevice)

	require.Equal(t, "/api/v1", cfg.Router.APIPrefix)
	require.Len(t, cfg.Router.Routes, 2)
	require.True(t, cfg.Router.Routes[1].Public)
	require.Len(t, cfg.Router.Services, 1)
	require.Equal(t, [2]uint32{2000, 2999}, cfg.Router.Services[0].CmdRange)
	require.Equal(t, 5*time.Second, cfg.Router.Services[0].Timeout)

	rc := fc.RedisConfig()
	require.Equal(t, "localhost:6379", rc.Addr)
	require.Equal(t, 1, rc.DB)
	require.Equal(t, 5*time.Second, rc.DialTimeout)
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(strings.NewReader("auth:\n  sekrit: oops\n"))
	require.Error(t, err)
}

func TestReadConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(strings.NewReader("processor:\n  handler_timeout: \"soon\"\n"))
	require.Error(t, err)
}

func TestReadConfigRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader("auth:\n  secret: s\nplatforms:\n  vr:\n    allow_multi_device: true\n"))
	require.NoError(t, err)
	_, err = fc.GatewayConfig()
	require.Error(t, err)
}

func TestReadConfigMissingSecret(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader("listen:\n  http_addr: \"0.0.0.0:8080\"\n"))
	require.NoError(t, err)
	_, err = fc.GatewayConfig()
	require.Error(t, err)
}

func TestSecretFromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-file"), 0o600))

	fc, err := ReadConfig(strings.NewReader("auth:\n  secret_file: \"" + secretPath + "\"\n"))
	require.NoError(t, err)
	cfg, err := fc.GatewayConfig()
	require.NoError(t, err)
	require.Equal(t, []byte("from-file"), cfg.AuthSecret)
}

func TestReadFromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "chatwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	fc, err := ReadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", fc.Redis.Addr)

	_, err = ReadFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
