// Package config loads the chainlab lab definition from defaults, an
// optional YAML file and CHAINLAB_* environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/chainlab/pkg/addressing"
	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/state"
	"github.com/newtron-network/chainlab/pkg/supervisor"
	"github.com/newtron-network/chainlab/pkg/util"
)

// EnvPrefix prefixes every environment override: CHAINLAB_ROUTERS=3,
// CHAINLAB_LINK_DELAY=5ms, CHAINLAB_STATE_BACKEND=redis.
const EnvPrefix = "CHAINLAB"

// Routing protocols with a built-in daemon set.
const (
	ProtocolBGP = "bgp"
	ProtocolRIP = "rip"
)

// Emulation backends.
const (
	BackendNetns  = "netns"
	BackendDryRun = "dryrun"
)

// State store backends.
const (
	StateFile  = "file"
	StateRedis = "redis"
)

// DaemonConfig describes one routing daemon role.
type DaemonConfig struct {
	Name   string   `mapstructure:"name" yaml:"name"`
	Binary string   `mapstructure:"binary" yaml:"binary,omitempty"`
	Kind   string   `mapstructure:"kind" yaml:"kind"`
	After  []string `mapstructure:"after" yaml:"after,omitempty"`
}

// LinkConfig shapes every link. Zero values leave links unshaped.
type LinkConfig struct {
	Bandwidth float64       `mapstructure:"bandwidth" yaml:"bandwidth"` // Mbit/s
	Delay     time.Duration `mapstructure:"delay" yaml:"-"`
	Jitter    time.Duration `mapstructure:"jitter" yaml:"-"`
	Loss      float64       `mapstructure:"loss" yaml:"loss"` // percent
}

// StateConfig selects where lab state is persisted.
type StateConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Dir       string `mapstructure:"dir" yaml:"dir,omitempty"`
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// Config is a lab definition.
type Config struct {
	Name            string         `mapstructure:"name" yaml:"name"`
	Routers         int            `mapstructure:"routers" yaml:"routers"`
	BaseDir         string         `mapstructure:"base_dir" yaml:"base_dir"`
	Protocol        string         `mapstructure:"protocol" yaml:"protocol"`
	Daemons         []DaemonConfig `mapstructure:"daemons" yaml:"daemons,omitempty"`
	Link            LinkConfig     `mapstructure:"link" yaml:"link"`
	PIDTimeout      time.Duration  `mapstructure:"pid_timeout" yaml:"-"`
	SocketTimeout   time.Duration  `mapstructure:"socket_timeout" yaml:"-"`
	SpawnRate       float64        `mapstructure:"spawn_rate" yaml:"spawn_rate"` // launches/s, 0 = unpaced
	Parallel        bool           `mapstructure:"parallel" yaml:"parallel"`
	Backend         string         `mapstructure:"backend" yaml:"backend"`
	NamespacePrefix string         `mapstructure:"namespace_prefix" yaml:"namespace_prefix"`
	State           StateConfig    `mapstructure:"state" yaml:"state"`
	MetricsAddr     string         `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`
}

// Default returns the built-in lab definition: five routers running BGP.
func Default() *Config {
	return &Config{
		Name:            "chainlab",
		Routers:         5,
		BaseDir:         "/var/lib/chainlab",
		Protocol:        ProtocolBGP,
		PIDTimeout:      supervisor.DefaultPIDTimeout,
		SocketTimeout:   supervisor.DefaultSocketTimeout,
		Backend:         BackendNetns,
		NamespacePrefix: "chainlab-",
		State: StateConfig{
			Backend:   StateFile,
			RedisAddr: "localhost:6379",
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("name", d.Name)
	v.SetDefault("routers", d.Routers)
	v.SetDefault("base_dir", d.BaseDir)
	v.SetDefault("protocol", d.Protocol)
	v.SetDefault("link.bandwidth", d.Link.Bandwidth)
	v.SetDefault("link.delay", d.Link.Delay)
	v.SetDefault("link.jitter", d.Link.Jitter)
	v.SetDefault("link.loss", d.Link.Loss)
	v.SetDefault("pid_timeout", d.PIDTimeout)
	v.SetDefault("socket_timeout", d.SocketTimeout)
	v.SetDefault("spawn_rate", d.SpawnRate)
	v.SetDefault("parallel", d.Parallel)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("namespace_prefix", d.NamespacePrefix)
	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.dir", d.State.Dir)
	v.SetDefault("state.redis_addr", d.State.RedisAddr)
	v.SetDefault("state.redis_db", d.State.RedisDB)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProtocolDaemons returns the daemon set of a built-in protocol.
func ProtocolDaemons(protocol string) []DaemonConfig {
	var speaker string
	switch protocol {
	case ProtocolBGP:
		speaker = "bgpd"
	case ProtocolRIP:
		speaker = "ripd"
	default:
		return nil
	}
	return []DaemonConfig{
		{Name: "zebra", Binary: "/usr/sbin/zebra", Kind: supervisor.TableManager.String()},
		{Name: speaker, Binary: "/usr/sbin/" + speaker, Kind: supervisor.ProtocolSpeaker.String()},
	}
}

func (c *Config) daemons() []DaemonConfig {
	if len(c.Daemons) > 0 {
		return c.Daemons
	}
	return ProtocolDaemons(c.Protocol)
}

// Roles returns the supervisor roles of the configured daemons. Binaries
// default to /usr/sbin/<name>.
func (c *Config) Roles() ([]supervisor.Role, error) {
	var roles []supervisor.Role
	for _, d := range c.daemons() {
		kind, err := supervisor.ParseKind(d.Kind)
		if err != nil {
			return nil, fmt.Errorf("config: daemon %s: %w", d.Name, err)
		}
		binary := d.Binary
		if binary == "" {
			binary = "/usr/sbin/" + d.Name
		}
		roles = append(roles, supervisor.Role{
			Name:   d.Name,
			Binary: binary,
			Kind:   kind,
			After:  d.After,
		})
	}
	return roles, nil
}

// LinkProfile returns the shaping applied to every link.
func (c *Config) LinkProfile() emu.LinkProfile {
	return emu.LinkProfile{
		Bandwidth: c.Link.Bandwidth,
		Delay:     c.Link.Delay,
		Jitter:    c.Link.Jitter,
		Loss:      c.Link.Loss,
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var v util.ValidationBuilder

	if err := state.ValidateName(c.Name); err != nil {
		v.AddErrorf("name: %v", err)
	}
	v.Add(c.Routers >= 1 && c.Routers <= addressing.MaxRouters,
		fmt.Sprintf("routers must be between 1 and %d, got %d", addressing.MaxRouters, c.Routers))
	v.Add(c.BaseDir != "", "base_dir is required")

	if len(c.Daemons) == 0 {
		v.Add(c.Protocol == ProtocolBGP || c.Protocol == ProtocolRIP,
			fmt.Sprintf("protocol must be %q or %q, got %q", ProtocolBGP, ProtocolRIP, c.Protocol))
	}
	if roles, err := c.Roles(); err != nil {
		v.AddErrorf("daemons: %v", err)
	} else if len(roles) > 0 {
		if _, err := supervisor.StartOrder(roles); err != nil {
			v.AddErrorf("daemons: %v", err)
		}
	}

	v.Add(c.Link.Bandwidth >= 0, "link.bandwidth must not be negative")
	v.Add(c.Link.Delay >= 0, "link.delay must not be negative")
	v.Add(c.Link.Jitter >= 0, "link.jitter must not be negative")
	v.Add(c.Link.Loss >= 0 && c.Link.Loss <= 100, "link.loss must be between 0 and 100")

	v.Add(c.PIDTimeout > 0, "pid_timeout must be positive")
	v.Add(c.SocketTimeout > 0, "socket_timeout must be positive")
	v.Add(c.SpawnRate >= 0, "spawn_rate must not be negative")

	v.Add(c.Backend == BackendNetns || c.Backend == BackendDryRun,
		fmt.Sprintf("backend must be %q or %q, got %q", BackendNetns, BackendDryRun, c.Backend))

	switch c.State.Backend {
	case StateFile:
	case StateRedis:
		v.Add(c.State.RedisAddr != "", "state.redis_addr is required for the redis backend")
	default:
		v.AddErrorf("state.backend must be %q or %q, got %q", StateFile, StateRedis, c.State.Backend)
	}

	return v.Build()
}

// MarshalYAML renders durations in their string form.
func (c Config) MarshalYAML() (interface{}, error) {
	type plain Config
	return struct {
		plain         `yaml:",inline"`
		PIDTimeout    string `yaml:"pid_timeout"`
		SocketTimeout string `yaml:"socket_timeout"`
	}{plain(c), c.PIDTimeout.String(), c.SocketTimeout.String()}, nil
}

// MarshalYAML renders durations in their string form.
func (l LinkConfig) MarshalYAML() (interface{}, error) {
	type plain LinkConfig
	return struct {
		plain  `yaml:",inline"`
		Delay  string `yaml:"delay"`
		Jitter string `yaml:"jitter"`
	}{plain(l), l.Delay.String(), l.Jitter.String()}, nil
}

// Encode writes the config to w as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return enc.Close()
}

// WriteFile renders the config as YAML.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
