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

// Package config reads the YAML gateway configuration file and turns it
// into the plain config values the core packages consume. The core never
// reads files or environment variables itself.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/chatwire/chatwire/lib/gateway"
	"github.com/chatwire/chatwire/lib/kvstore"
	"github.com/chatwire/chatwire/lib/router"
	"github.com/chatwire/chatwire/lib/types"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2h".
type Duration time.Duration

// UnmarshalYAML parses the duration string form.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// FileConfig mirrors the YAML configuration file.
type FileConfig struct {
	Auth      Auth                      `yaml:"auth"`
	Listen    Listen                    `yaml:"listen"`
	Redis     Redis                     `yaml:"redis"`
	Platforms map[string]PlatformPolicy `yaml:"platforms"`
	Routing   Routing                   `yaml:"routing"`
	Processor Processor                 `yaml:"processor"`
}

// Auth configures the token signing secret and claims.
type Auth struct {
	// Secret is the inline signing secret. Prefer SecretFile outside of
	// development setups.
	Secret string `yaml:"secret"`
	// SecretFile is a path to a file holding the signing secret.
	SecretFile string `yaml:"secret_file"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// Listen configures the listener addresses.
type Listen struct {
	StreamAddr string `yaml:"stream_addr"`
	HTTPAddr   string `yaml:"http_addr"`
}

// Redis configures the shared key/value store.
type Redis struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	DialTimeout Duration `yaml:"dial_timeout"`
	OpTimeout   Duration `yaml:"op_timeout"`
}

// PlatformPolicy mirrors one per-platform policy entry.
type PlatformPolicy struct {
	AccessTTL             Duration `yaml:"access_ttl"`
	RefreshTTL            Duration `yaml:"refresh_ttl"`
	AllowMultiDevice      bool     `yaml:"allow_multi_device"`
	RefreshWindowFraction float64  `yaml:"refresh_window_fraction"`
	AutoRefresh           bool     `yaml:"auto_refresh"`
	MaxRefreshRetries     uint32   `yaml:"max_refresh_retries"`
}

// Routing mirrors the route and service tables.
type Routing struct {
	APIPrefix string    `yaml:"api_prefix"`
	Routes    []Route   `yaml:"routes"`
	Services  []Service `yaml:"services"`
}

// Route mirrors one route entry.
type Route struct {
	Method  string `yaml:"method"`
	Path    string `yaml:"path"`
	CmdID   uint32 `yaml:"cmd_id"`
	Service string `yaml:"service"`
	Public  bool   `yaml:"public"`
}

// Service mirrors one backend service entry.
type Service struct {
	Name           string    `yaml:"name"`
	Endpoint       string    `yaml:"endpoint"`
	Timeout        Duration  `yaml:"timeout"`
	MaxConnections int       `yaml:"max_connections"`
	CmdRange       [2]uint32 `yaml:"cmd_range,flow"`
}

// Processor mirrors the message processing options.
type Processor struct {
	HandlerTimeout        Duration `yaml:"handler_timeout"`
	MaxConcurrentTasks    int      `yaml:"max_concurrent_tasks"`
	RequestLogging        bool     `yaml:"request_logging"`
	PerformanceMonitoring bool     `yaml:"performance_monitoring"`
}

// ReadFromFile reads and parses the configuration file at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse config file %v", path)
	}
	return fc, nil
}

// ReadConfig parses YAML configuration from the reader. Unknown fields
// are rejected so typos surface at startup.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var fc FileConfig
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// authSecret resolves the signing secret from the inline value or the
// referenced file.
func (fc *FileConfig) authSecret() ([]byte, error) {
	if fc.Auth.SecretFile != "" {
		secret, err := os.ReadFile(fc.Auth.SecretFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		return secret, nil
	}
	if fc.Auth.Secret == "" {
		return nil, trace.BadParameter("config is missing auth.secret or auth.secret_file")
	}
	return []byte(fc.Auth.Secret), nil
}

// policySet converts the platform table.
func (fc *FileConfig) policySet() (*types.PolicySet, error) {
	policies := make(map[types.Platform]types.PlatformPolicy, len(fc.Platforms))
	for name, policy := range fc.Platforms {
		platform := types.ParsePlatform(name)
		if platform == types.PlatformUnknown {
			return nil, trace.BadParameter("unknown platform %q in config", name)
		}
		policies[platform] = types.PlatformPolicy{
			AccessTTL:             time.Duration(policy.AccessTTL),
			RefreshTTL:            time.Duration(policy.RefreshTTL),
			AllowMultiDevice:      policy.AllowMultiDevice,
			RefreshWindowFraction: policy.RefreshWindowFraction,
			AutoRefreshEnabled:    policy.AutoRefresh,
			MaxRefreshRetries:     policy.MaxRefreshRetries,
		}
	}
	return types.NewPolicySet(policies)
}

// routerConfig converts the routing tables.
func (fc *FileConfig) routerConfig() router.Config {
	cfg := router.Config{APIPrefix: fc.Routing.APIPrefix}
	for _, r := range fc.Routing.Routes {
		cfg.Routes = append(cfg.Routes, router.Route{
			Method:  r.Method,
			Path:    r.Path,
			CmdID:   r.CmdID,
			Service: r.Service,
			Public:  r.Public,
		})
	}
	for _, s := range fc.Routing.Services {
		cfg.Services = append(cfg.Services, router.Service{
			Name:           s.Name,
			Endpoint:       s.Endpoint,
			Timeout:        time.Duration(s.Timeout),
			MaxConnections: s.MaxConnections,
			CmdRange:       s.CmdRange,
		})
	}
	return cfg
}

// RedisConfig returns the key/value store configuration.
func (fc *FileConfig) RedisConfig() kvstore.RedisConfig {
	return kvstore.RedisConfig{
		Addr:        fc.Redis.Addr,
		Password:    fc.Redis.Password,
		DB:          fc.Redis.DB,
		DialTimeout: time.Duration(fc.Redis.DialTimeout),
		OpTimeout:   time.Duration(fc.Redis.OpTimeout),
	}
}

// GatewayConfig converts the file into a gateway configuration. The
// store is connected separately by the caller and must be filled in
// before gateway.New.
func (fc *FileConfig) GatewayConfig() (gateway.Config, error) {
	secret, err := fc.authSecret()
	if err != nil {
		return gateway.Config{}, trace.Wrap(err)
	}
	policies, err := fc.policySet()
	if err != nil {
		return gateway.Config{}, trace.Wrap(err)
	}
	return gateway.Config{
		Policies:              policies,
		Router:                fc.routerConfig(),
		AuthSecret:            secret,
		TokenIssuer:           fc.Auth.Issuer,
		TokenAudience:         fc.Auth.Audience,
		StreamAddr:            fc.Listen.StreamAddr,
		HTTPAddr:              fc.Listen.HTTPAddr,
		HandlerTimeout:        time.Duration(fc.Processor.HandlerTimeout),
		MaxConcurrentTasks:    fc.Processor.MaxConcurrentTasks,
		RequestLogging:        fc.Processor.RequestLogging,
		PerformanceMonitoring: fc.Processor.PerformanceMonitoring,
	}, nil
}
