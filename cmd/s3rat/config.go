package main

import (
	"io/ioutil"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/client"
	"github.com/s3rat/s3rat/pkg/engine"
	"github.com/s3rat/s3rat/pkg/server"
	"github.com/s3rat/s3rat/pkg/store"
)

// aclNone in the configuration file omits the canned ACL from uploads.
const aclNone = "none"

// Config is the resolved configuration for both roles.
type Config struct {
	Store    store.S3Config
	Prefix   string
	CacheTTL time.Duration

	Client client.Config

	Server      server.Config
	Shell       string
	Interpreter string
	ExecTimeout time.Duration
	Identity    bool
}

// DefaultConfig is used for anything neither the file nor the flags set.
func DefaultConfig() Config {
	return Config{
		Store: store.S3Config{
			ACL: store.DefaultACL,
		},
		Client:      client.DefaultConfig(),
		Server:      server.DefaultConfig(),
		Shell:       engine.DefaultShell,
		Interpreter: engine.DefaultInterpreter,
		ExecTimeout: engine.DefaultTimeout,
		Identity:    true,
	}
}

// FileConfig mirrors the TOML configuration file. Durations are written as
// Go duration strings such as "5s".
type FileConfig struct {
	Store  StoreSection  `toml:"store"`
	Client ClientSection `toml:"client"`
	Server ServerSection `toml:"server"`
}

// StoreSection is the [store] table.
type StoreSection struct {
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	PathStyle       bool   `toml:"path_style"`
	ACL             string `toml:"acl"`
	DisableChecksum bool   `toml:"disable_checksum"`
	CacheTTL        string `toml:"cache_ttl"`
}

// ClientSection is the [client] table.
type ClientSection struct {
	ReadyDelay     string `toml:"ready_delay"`
	ReadyAttempts  int    `toml:"ready_attempts"`
	ResultDelay    string `toml:"result_delay"`
	ResultAttempts int    `toml:"result_attempts"`
}

// ServerSection is the [server] table.
type ServerSection struct {
	StartupDelay    string `toml:"startup_delay"`
	PollInterval    string `toml:"poll_interval"`
	Shell           string `toml:"shell"`
	Interpreter     string `toml:"interpreter"`
	ExecTimeout     string `toml:"exec_timeout"`
	DisableIdentity bool   `toml:"disable_identity"`
	MetricsTextfile string `toml:"metrics_textfile"`
}

// LoadConfig reads the configuration file at path over the defaults. An
// empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	return ParseConfig(raw)
}

// ParseConfig decodes a TOML document over the defaults.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	var file FileConfig
	if err := toml.Unmarshal(raw, &file); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, file.apply(&cfg)
}

func (f *FileConfig) apply(cfg *Config) error {
	s := f.Store
	setString(&cfg.Prefix, s.Prefix)
	setString(&cfg.Store.Region, s.Region)
	setString(&cfg.Store.Endpoint, s.Endpoint)
	cfg.Store.PathStyle = cfg.Store.PathStyle || s.PathStyle
	cfg.Store.DisableChecksum = cfg.Store.DisableChecksum || s.DisableChecksum
	switch s.ACL {
	case "":
	case aclNone:
		cfg.Store.ACL = ""
	default:
		cfg.Store.ACL = s.ACL
	}

	c := f.Client
	setInt(&cfg.Client.ReadyAttempts, c.ReadyAttempts)
	setInt(&cfg.Client.ResultAttempts, c.ResultAttempts)

	v := f.Server
	setString(&cfg.Shell, v.Shell)
	setString(&cfg.Interpreter, v.Interpreter)
	setString(&cfg.Server.MetricsTextfile, v.MetricsTextfile)
	if v.DisableIdentity {
		cfg.Identity = false
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"store.cache_ttl", s.CacheTTL, &cfg.CacheTTL},
		{"client.ready_delay", c.ReadyDelay, &cfg.Client.ReadyDelay},
		{"client.result_delay", c.ResultDelay, &cfg.Client.ResultDelay},
		{"server.startup_delay", v.StartupDelay, &cfg.Server.StartupDelay},
		{"server.poll_interval", v.PollInterval, &cfg.Server.PollInterval},
		{"server.exec_timeout", v.ExecTimeout, &cfg.ExecTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return errors.Wrapf(err, "config %s", d.key)
		}
		if parsed < 0 {
			return errors.Errorf("config %s: negative duration %s", d.key, d.value)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
