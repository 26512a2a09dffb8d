package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/procmesh/internal/cluster"
	"gopkg.in/yaml.v3"
)

const (
	TransportGRPC  = "grpc"
	TransportRedis = "redis"

	ProcessLocal  = "local"
	ProcessGlobal = "global"
)

// Config represents the complete node configuration
// Maps config file fields through YAML tags
type Config struct {
	Node struct {
		ID       string `yaml:"id"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"node"`

	Cluster struct {
		ElectionTimeout    time.Duration `yaml:"election_timeout"`
		HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
		TickInterval       time.Duration `yaml:"tick_interval"`
		NodeTimeout        time.Duration `yaml:"node_timeout"`
		TransitionTimeout  time.Duration `yaml:"transition_timeout"`
		LocalRestartDelay  time.Duration `yaml:"local_restart_delay"`
		StopWaitTimeout    time.Duration `yaml:"stop_wait_timeout"`
		RebalanceThreshold int           `yaml:"rebalance_threshold"`
		SelfOverhead       int           `yaml:"self_overhead"`
		InboxSize          int           `yaml:"inbox_size"`
	} `yaml:"cluster"`

	Transport struct {
		Kind      string   `yaml:"kind"`  // grpc | redis
		Codec     string   `yaml:"codec"` // json | msgpack
		Listen    string   `yaml:"listen"`
		Peers     []string `yaml:"peers"`
		RedisAddr string   `yaml:"redis_addr"`
		Channel   string   `yaml:"channel"`
	} `yaml:"transport"`

	API struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"api"`

	Processes []ProcessConfig `yaml:"processes"`
}

// ProcessConfig describes one simulated process run by this node
type ProcessConfig struct {
	Name           string        `yaml:"name"`
	Kind           string        `yaml:"kind"` // local | global
	ProcessingCost int           `yaml:"processing_cost"`
	TransitionCost int           `yaml:"transition_cost"`
	WorkInterval   time.Duration `yaml:"work_interval"`
	FailRate       float64       `yaml:"fail_rate"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.ID = host
		}
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportGRPC
	}
	if c.Transport.Listen == "" {
		c.Transport.Listen = ":7946"
	}
	if c.Transport.RedisAddr == "" {
		c.Transport.RedisAddr = "localhost:6379"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	for i := range c.Processes {
		p := &c.Processes[i]
		if p.Kind == "" {
			p.Kind = ProcessGlobal
		}
		if p.ProcessingCost == 0 {
			p.ProcessingCost = 1
		}
		if p.TransitionCost == 0 {
			p.TransitionCost = 1
		}
		if p.WorkInterval == 0 {
			p.WorkInterval = time.Second
		}
	}
}

func (c *Config) validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch c.Transport.Kind {
	case TransportGRPC, TransportRedis:
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	seen := make(map[string]bool, len(c.Processes))
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("process without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate process %q", p.Name)
		}
		seen[p.Name] = true
		if p.Kind != ProcessLocal && p.Kind != ProcessGlobal {
			return fmt.Errorf("process %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.FailRate < 0 || p.FailRate > 1 {
			return fmt.Errorf("process %q: fail_rate must be within [0, 1]", p.Name)
		}
	}
	return nil
}

// clusterConfig maps the cluster section onto the manager config. Zero
// values are filled in by the manager.
func (c *Config) clusterConfig() cluster.Config {
	return cluster.Config{
		NodeID:             c.Node.ID,
		ElectionTimeout:    c.Cluster.ElectionTimeout,
		HeartbeatInterval:  c.Cluster.HeartbeatInterval,
		TickInterval:       c.Cluster.TickInterval,
		NodeTimeout:        c.Cluster.NodeTimeout,
		TransitionTimeout:  c.Cluster.TransitionTimeout,
		LocalRestartDelay:  c.Cluster.LocalRestartDelay,
		StopWaitTimeout:    c.Cluster.StopWaitTimeout,
		RebalanceThreshold: c.Cluster.RebalanceThreshold,
		SelfOverhead:       c.Cluster.SelfOverhead,
		InboxSize:          c.Cluster.InboxSize,
	}
}

func (c *Config) logLevel() slog.Level {
	switch strings.ToLower(c.Node.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
