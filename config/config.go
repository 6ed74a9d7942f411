// Package config loads the cmd/vpntunnel demonstration harness's YAML
// descriptor and decodes the loosely-typed tunnel_config payload the way
// the real authentication collaborator would hand it over: as an
// arbitrary map, not a typed struct. Grounded on the teacher's own
// config.Load (os.ReadFile + yaml.Unmarshal with defaults pre-populated
// on the zero-value struct).
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"vpntunnel"
)

// Config is the harness's on-disk descriptor: enough to drive one tunnel
// up against a real or simulated gateway without any authentication logic
// of its own.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Tunnel   map[string]any `yaml:"tunnel_config"`
	Datagram DatagramConfig `yaml:"datagram"`
	Helper   HelperConfig   `yaml:"helper"`
	Diag     DiagConfig     `yaml:"diag"`
	Tracelog TracelogConfig `yaml:"tracelog"`
}

type SessionConfig struct {
	Endpoint      EndpointConfig `yaml:"endpoint"`
	Dialect       string         `yaml:"dialect"`
	CookieBase64  string         `yaml:"cookie_base64"`
	TunnelRequest string         `yaml:"tunnel_request"`
}

type EndpointConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatagramConfig struct {
	Enabled bool `yaml:"enabled"`
}

type HelperConfig struct {
	Path      string `yaml:"path"`
	TunDevice string `yaml:"tun_device"`
}

type DiagConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TracelogConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses path, with the harness's own defaults (not the
// core's — the core has no defaults of its own, per spec.md §1).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Datagram: DatagramConfig{Enabled: false},
		Helper:   HelperConfig{TunDevice: "tun0"},
		Diag:     DiagConfig{ListenAddr: ":9090"},
		Tracelog: TracelogConfig{Path: "/var/log/vpntunnel", RetentionDays: 7},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Cookie decodes the session's base64-encoded cookie bytes.
func (c *Config) Cookie() ([]byte, error) {
	if c.Session.CookieBase64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.Session.CookieBase64)
}

// Dialect parses the session's dialect tag.
func (c *Config) Dialect() (vpntunnel.Dialect, error) {
	return vpntunnel.ParseDialect(c.Session.Dialect)
}

// DecodeTunnelConfig decodes the loosely-typed tunnel_config map into a
// vpntunnel.TunnelConfig, mirroring how the real auth collaborator's
// parsed form payload would reach the core: as an untyped map, not a
// compile-time dependency on the core's own types.
func DecodeTunnelConfig(raw map[string]any) (vpntunnel.TunnelConfig, error) {
	var tc vpntunnel.TunnelConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &tc,
		ErrorUnused: false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			stringToIPHook(),
			stringToIPMaskHook(),
			stringToBytesBase64Hook(),
		),
	})
	if err != nil {
		return tc, fmt.Errorf("config: building tunnel_config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return tc, fmt.Errorf("config: decoding tunnel_config: %w", err)
	}
	return tc, nil
}

func stringToIPHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(net.IP{}) {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return net.IP(nil), nil
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("config: invalid IP address %q", s)
		}
		return ip, nil
	}
}

func stringToIPMaskHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(net.IPMask{}) {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return net.IPMask(nil), nil
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("config: invalid netmask %q", s)
		}
		if v4 := ip.To4(); v4 != nil {
			return net.IPMask(v4), nil
		}
		return net.IPMask(ip), nil
	}
}

// stringToBytesBase64Hook decodes base64 strings into []byte targets —
// the encryption key material, MAC key material, and initial IVs
// TunnelConfig's CryptoParams carries.
func stringToBytesBase64Hook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]byte(nil)) {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return []byte(nil), nil
		}
		return base64.StdEncoding.DecodeString(s)
	}
}
