// Package daemon manages the CypherMesh node lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/mesh"
)

// ConfigFile is the config file name inside the data directory.
const ConfigFile = "config.toml"

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Mesh      MeshConfig      `toml:"mesh"`
	API       APIConfig       `toml:"api"`
	Sink      SinkConfig      `toml:"sink"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig is the node's advertised address. An empty IP is detected at
// start.
type NodeConfig struct {
	IP    string   `toml:"ip"`
	Port  int      `toml:"port"`
	Seeds []string `toml:"seeds"`
}

// DiscoveryConfig controls LAN broadcast discovery.
type DiscoveryConfig struct {
	Enabled       bool    `toml:"enabled"`
	Port          int     `toml:"port"`
	BroadcastAddr string  `toml:"broadcast_addr"`
	DialRate      float64 `toml:"dial_rate"`
	DialBurst     int     `toml:"dial_burst"`
}

// MeshConfig controls connection upkeep and the gossip engine.
type MeshConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"`
	DialTimeout       string `toml:"dial_timeout"`
	DedupMode         string `toml:"dedup_mode"`
	ReputationFloor   int64  `toml:"reputation_floor"`
}

// APIConfig controls the admin HTTP server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// SinkConfig names the optional external event sinks. Empty URLs disable
// them.
type SinkConfig struct {
	RedisURL    string `toml:"redis_url"`
	Channel     string `toml:"channel"`
	PostgresURL string `toml:"postgres_url"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Port: mesh.DefaultPort,
		},
		Discovery: DiscoveryConfig{
			Enabled:       true,
			Port:          mesh.DefaultDiscoveryPort,
			BroadcastAddr: mesh.DefaultBroadcastAddr,
			DialRate:      5,
			DialBurst:     10,
		},
		Mesh: MeshConfig{
			HeartbeatInterval: mesh.DefaultHeartbeatInterval.String(),
			DialTimeout:       mesh.DefaultDialTimeout.String(),
			DedupMode:         string(mesh.DedupAtomic),
			ReputationFloor:   domain.ReputationFloor,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads home/config.toml over the defaults and then applies the
// CYPHER_IP and CYPHER_PORT environment overrides.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(home, ConfigFile)

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if ip := os.Getenv("CYPHER_IP"); ip != "" {
		cfg.Node.IP = ip
	}
	if raw := os.Getenv("CYPHER_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("CYPHER_PORT %q: %w", raw, err)
		}
		cfg.Node.Port = port
	}
	return nil
}

// SaveConfig writes cfg to home/config.toml.
func SaveConfig(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0700); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(home, ConfigFile))
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// persistIdentity records the resolved node address in the config file so
// the next start advertises the same endpoint. Other settings in the file
// are kept.
func persistIdentity(home, ip string, port int) (bool, error) {
	stored := DefaultConfig()
	path := filepath.Join(home, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &stored); err != nil {
			return false, fmt.Errorf("parse config: %w", err)
		}
		if stored.Node.IP == ip && stored.Node.Port == port {
			return false, nil
		}
	}
	stored.Node.IP = ip
	stored.Node.Port = port
	return true, SaveConfig(home, stored)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if !validPort(c.Node.Port, true) {
		errs = append(errs, fmt.Errorf("node.port %d out of range", c.Node.Port))
	}
	if c.Node.IP != "" && net.ParseIP(c.Node.IP) == nil {
		errs = append(errs, fmt.Errorf("node.ip %q is not an IP address", c.Node.IP))
	}
	for _, s := range c.Node.Seeds {
		if _, _, err := domain.ParsePeerAddr(s); err != nil {
			errs = append(errs, fmt.Errorf("node.seeds %q: %w", s, err))
		}
	}
	if c.Discovery.Enabled && !validPort(c.Discovery.Port, false) {
		errs = append(errs, fmt.Errorf("discovery.port %d out of range", c.Discovery.Port))
	}
	if c.API.Enabled && !validPort(c.API.Port, true) {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := mesh.ParseDedupMode(c.Mesh.DedupMode); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{
		"mesh.heartbeat_interval": c.Mesh.HeartbeatInterval,
		"mesh.dial_timeout":       c.Mesh.DialTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s %q is not a positive duration", name, v))
		}
	}
	return errors.Join(errs...)
}

func validPort(p int, allowZero bool) bool {
	if p == 0 {
		return allowZero
	}
	return p > 0 && p <= 65535
}

// MeshConfig converts the file settings into the node's runtime config.
func (c Config) MeshConfig() (mesh.Config, error) {
	mode, err := mesh.ParseDedupMode(c.Mesh.DedupMode)
	if err != nil {
		return mesh.Config{}, err
	}
	mc := mesh.DefaultConfig()
	mc.IP = c.Node.IP
	mc.Port = c.Node.Port
	mc.Seeds = c.Node.Seeds
	mc.DiscoveryEnabled = c.Discovery.Enabled
	mc.DiscoveryPort = c.Discovery.Port
	if c.Discovery.BroadcastAddr != "" {
		mc.BroadcastAddr = c.Discovery.BroadcastAddr
	}
	if c.Discovery.DialRate > 0 {
		mc.DialRate = c.Discovery.DialRate
	}
	if c.Discovery.DialBurst > 0 {
		mc.DialBurst = c.Discovery.DialBurst
	}
	mc.HeartbeatInterval = parseDuration(c.Mesh.HeartbeatInterval, mesh.DefaultHeartbeatInterval)
	mc.DialTimeout = parseDuration(c.Mesh.DialTimeout, mesh.DefaultDialTimeout)
	mc.DedupMode = mode
	mc.ReputationFloor = c.Mesh.ReputationFloor
	return mc, nil
}

// Home returns the data directory: $CYPHER_DATA_DIR or ~/.cyphermesh.
func Home() string {
	if env := os.Getenv("CYPHER_DATA_DIR"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cyphermesh")
}

// DetectIP returns the local address used for outbound traffic, or
// 127.0.0.1 when there is no route. No packet is sent.
func DetectIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
