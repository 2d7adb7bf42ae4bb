// Package config loads the wgtimerd configuration file.
//
// The configuration is a YAML file:
//
//	interface:
//	  private_key: "base64..."
//	  listen_port: 51820
//	timers:
//	  resolution: 100ms
//	  queue_capacity: 1024
//	  rekey_after: 120s
//	  reject_after: 180s
//	  rekey_timeout: 5s
//	  keepalive_timeout: 10s
//	  max_handshake_attempts: 18
//	peers:
//	  - public_key: "base64..."
//	    endpoint: "192.0.2.1:51820"
//	    persistent_keepalive: 25s
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
	"gopkg.in/yaml.v3"
)

// Timer defaults from the WireGuard protocol.
const (
	DefaultResolution           = 100 * time.Millisecond
	DefaultQueueCapacity        = 1024
	DefaultRekeyAfter           = 120 * time.Second
	DefaultRejectAfter          = 180 * time.Second
	DefaultRekeyTimeout         = 5 * time.Second
	DefaultKeepaliveTimeout     = 10 * time.Second
	DefaultRekeyAttemptTime     = 90 * time.Second
	DefaultMaxHandshakeAttempts = uint32(DefaultRekeyAttemptTime / DefaultRekeyTimeout)

	// MaxTimerDuration bounds every configured duration.
	MaxTimerDuration = 24 * time.Hour
)

var ErrMissing = errors.New("missing required configuration values")

// Config is the top-level configuration.
type Config struct {
	Interface InterfaceConfig `yaml:"interface"`
	Timers    TimersConfig    `yaml:"timers"`
	Peers     []PeerConfig    `yaml:"peers"`

	// Derived by Validate.
	PrivateKey [32]byte `yaml:"-"`
	PublicKey  [32]byte `yaml:"-"`
}

// InterfaceConfig holds the local identity and socket.
type InterfaceConfig struct {
	PrivateKey string `yaml:"private_key"`
	ListenPort int    `yaml:"listen_port"`
}

// TimersConfig tunes the timer subsystem.
type TimersConfig struct {
	// Resolution is the timer resolution R; every event gets 2R of slack.
	Resolution    time.Duration `yaml:"resolution"`
	QueueCapacity int           `yaml:"queue_capacity"`

	RekeyAfter           time.Duration `yaml:"rekey_after"`
	RejectAfter          time.Duration `yaml:"reject_after"`
	RekeyTimeout         time.Duration `yaml:"rekey_timeout"`
	KeepaliveTimeout     time.Duration `yaml:"keepalive_timeout"`
	MaxHandshakeAttempts uint32        `yaml:"max_handshake_attempts"`
}

// PeerConfig holds one remote peer.
type PeerConfig struct {
	PublicKey           string        `yaml:"public_key"`
	Endpoint            string        `yaml:"endpoint"`
	PersistentKeepalive time.Duration `yaml:"persistent_keepalive"`

	// Derived by Validate.
	Key  [32]byte     `yaml:"-"`
	Addr *net.UDPAddr `yaml:"-"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config file path: directory traversal not allowed")
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses a YAML config from raw bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	t := &c.Timers
	if t.Resolution == 0 {
		t.Resolution = DefaultResolution
	}
	if t.QueueCapacity == 0 {
		t.QueueCapacity = DefaultQueueCapacity
	}
	if t.RekeyAfter == 0 {
		t.RekeyAfter = DefaultRekeyAfter
	}
	if t.RejectAfter == 0 {
		t.RejectAfter = DefaultRejectAfter
	}
	if t.RekeyTimeout == 0 {
		t.RekeyTimeout = DefaultRekeyTimeout
	}
	if t.KeepaliveTimeout == 0 {
		t.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if t.MaxHandshakeAttempts == 0 {
		t.MaxHandshakeAttempts = DefaultMaxHandshakeAttempts
	}
}

// Validate checks required values, decodes keys and endpoints and derives
// the public key.
func (c *Config) Validate() error {
	var missing []string

	if c.Interface.PrivateKey == "" {
		missing = append(missing, "interface.private_key")
	}
	if c.Interface.ListenPort == 0 {
		missing = append(missing, "interface.listen_port")
	}
	for i, p := range c.Peers {
		if p.PublicKey == "" {
			missing = append(missing, fmt.Sprintf("peers[%d].public_key", i))
		}
		if p.Endpoint == "" {
			missing = append(missing, fmt.Sprintf("peers[%d].endpoint", i))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissing, missing)
	}

	if c.Interface.ListenPort < 1 || c.Interface.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Interface.ListenPort)
	}

	t := c.Timers
	if t.Resolution < 0 || t.RekeyAfter <= 0 || t.RejectAfter <= 0 || t.RekeyTimeout <= 0 || t.KeepaliveTimeout <= 0 {
		return fmt.Errorf("timer durations must be positive")
	}
	for name, d := range map[string]time.Duration{
		"resolution":        t.Resolution,
		"rekey_after":       t.RekeyAfter,
		"reject_after":      t.RejectAfter,
		"rekey_timeout":     t.RekeyTimeout,
		"keepalive_timeout": t.KeepaliveTimeout,
	} {
		if d > MaxTimerDuration {
			return fmt.Errorf("%s (%v) exceeds %v", name, d, MaxTimerDuration)
		}
	}
	if t.RejectAfter <= t.RekeyAfter {
		return fmt.Errorf("reject_after (%v) must exceed rekey_after (%v)", t.RejectAfter, t.RekeyAfter)
	}
	if t.QueueCapacity < 0 {
		return fmt.Errorf("invalid queue capacity: %d", t.QueueCapacity)
	}

	key, err := decodeKey(c.Interface.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to decode private key: %w", err)
	}
	c.PrivateKey = key
	curve25519.ScalarBaseMult(&c.PublicKey, &c.PrivateKey)

	for i := range c.Peers {
		p := &c.Peers[i]

		key, err := decodeKey(p.PublicKey)
		if err != nil {
			return fmt.Errorf("failed to decode peers[%d] public key: %w", i, err)
		}
		p.Key = key

		addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to resolve peers[%d] endpoint: %w", i, err)
		}
		p.Addr = addr

		if p.PersistentKeepalive < 0 {
			return fmt.Errorf("peers[%d]: negative persistent keepalive", i)
		}
	}

	return nil
}

func decodeKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != 32 {
		return key, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}
