package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load,
// e.g. HDFSRELAY_RELAY_HOST for relay.host.
const EnvPrefix = "HDFSRELAY"

// Config holds everything a run needs. It is built once by Load and passed
// down explicitly.
type Config struct {
	MaxChunkSize   string `mapstructure:"max_chunk_size"`
	MinFreeSpace   string `mapstructure:"min_free_space"`
	StageDir       string `mapstructure:"stage_dir"`
	StateDir       string `mapstructure:"state_dir"`
	Workers        int    `mapstructure:"workers"`
	OnCollision    string `mapstructure:"on_collision"`
	VerifyChecksum bool   `mapstructure:"verify_checksum"`
	TUI            bool   `mapstructure:"tui"`

	Relay  RelayConfig  `mapstructure:"relay"`
	Source SourceConfig `mapstructure:"source"`
	Dest   DestConfig   `mapstructure:"dest"`
	Log    LogConfig    `mapstructure:"log"`
	Notify NotifyConfig `mapstructure:"notify"`
}

// RelayConfig describes the intermediate host.
type RelayConfig struct {
	Mode                  string `mapstructure:"mode"`
	Host                  string `mapstructure:"host"`
	User                  string `mapstructure:"user"`
	Port                  int    `mapstructure:"port"`
	IdentityFile          string `mapstructure:"identity_file"`
	KnownHosts            string `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
	SSHConfig             string `mapstructure:"ssh_config"`
	ScratchDir            string `mapstructure:"scratch_dir"`
}

// SourceConfig selects the filesystem jobs are read from.
type SourceConfig struct {
	Kind     string `mapstructure:"kind"`
	HDFSBin  string `mapstructure:"hdfs_bin"`
	Root     string `mapstructure:"root"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`

	// S3Endpoint overrides the AWS endpoint, e.g. for MinIO.
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

// DestConfig selects the filesystem jobs are written to. It is reached
// through the relay host.
type DestConfig struct {
	Kind       string `mapstructure:"kind"`
	HDFSBin    string `mapstructure:"hdfs_bin"`
	Root       string `mapstructure:"root"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

type NotifyConfig struct {
	SubjectPrefix string     `mapstructure:"subject_prefix"`
	Retries       int        `mapstructure:"retries"`
	SMTP          SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Addr     string   `mapstructure:"addr"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"max-chunk-size":  "max_chunk_size",
	"min-free-space":  "min_free_space",
	"stage-dir":       "stage_dir",
	"state-dir":       "state_dir",
	"workers":         "workers",
	"on-collision":    "on_collision",
	"verify-checksum": "verify_checksum",
	"tui":             "tui",
	"relay-mode":      "relay.mode",
	"relay-host":      "relay.host",
	"relay-user":      "relay.user",
	"relay-scratch":   "relay.scratch_dir",
	"source-kind":     "source.kind",
	"dest-kind":       "dest.kind",
	"log-file":        "log.file",
	"log-level":       "log.level",
}

// Defaults mirror the values the transfer has always run with. Keys without a
// real default are still registered so AutomaticEnv can fill them on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("max_chunk_size", "500GiB")
	v.SetDefault("min_free_space", "0")
	v.SetDefault("stage_dir", "/tmp/hdfs_transfer_chunk")
	v.SetDefault("state_dir", ".hdfsrelay-state")
	v.SetDefault("workers", 1)
	v.SetDefault("on_collision", "error")
	v.SetDefault("verify_checksum", false)
	v.SetDefault("tui", false)

	v.SetDefault("relay.mode", "ssh")
	v.SetDefault("relay.host", "uat-edge.example.com")
	v.SetDefault("relay.user", "uatuser")
	v.SetDefault("relay.port", 22)
	v.SetDefault("relay.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("relay.scratch_dir", "/tmp/hdfs_transfer_chunk")
	v.SetDefault("relay.identity_file", "")
	v.SetDefault("relay.insecure_ignore_host_key", false)
	v.SetDefault("relay.ssh_config", "")

	v.SetDefault("source.kind", "hdfs")
	v.SetDefault("source.hdfs_bin", "hdfs")
	v.SetDefault("source.root", "")
	v.SetDefault("source.s3_bucket", "")
	v.SetDefault("source.s3_prefix", "")
	v.SetDefault("source.s3_endpoint", "")
	v.SetDefault("dest.kind", "hdfs")
	v.SetDefault("dest.hdfs_bin", "hdfs")
	v.SetDefault("dest.root", "")
	v.SetDefault("dest.s3_bucket", "")
	v.SetDefault("dest.s3_prefix", "")
	v.SetDefault("dest.s3_endpoint", "")

	v.SetDefault("log.file", "hdfsrelay.log")
	v.SetDefault("log.level", "info")

	v.SetDefault("notify.subject_prefix", "HDFS transfer")
	v.SetDefault("notify.retries", 2)
	v.SetDefault("notify.smtp.addr", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.to", []string{})
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
}

// Load builds a Config from, in increasing priority: defaults, the YAML file
// at path (if path is non-empty), a .env file in the working directory,
// HDFSRELAY_* environment variables, and flags that were set explicitly.
// Only flags listed in flagKeys are bound.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load() // ignore error if .env not found

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ChunkBytes returns MaxChunkSize in bytes.
func (c *Config) ChunkBytes() (uint64, error) {
	return humanize.ParseBytes(c.MaxChunkSize)
}

// FreeSpaceBytes returns MinFreeSpace in bytes.
func (c *Config) FreeSpaceBytes() (uint64, error) {
	return humanize.ParseBytes(c.MinFreeSpace)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ChunkBytes(); err != nil {
		errs = append(errs, fmt.Errorf("max_chunk_size: %w", err))
	}
	if _, err := c.FreeSpaceBytes(); err != nil {
		errs = append(errs, fmt.Errorf("min_free_space: %w", err))
	}
	if c.StageDir == "" {
		errs = append(errs, errors.New("stage_dir must be set"))
	}
	if c.Relay.ScratchDir == "" {
		errs = append(errs, errors.New("relay.scratch_dir must be set"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.OnCollision != "error" && c.OnCollision != "overwrite" {
		errs = append(errs, fmt.Errorf("on_collision must be error or overwrite, got %q", c.OnCollision))
	}
	switch c.Relay.Mode {
	case "ssh":
		if c.Relay.Host == "" {
			errs = append(errs, errors.New("relay.host must be set for ssh relay"))
		}
	case "local":
	default:
		errs = append(errs, fmt.Errorf("relay.mode must be ssh or local, got %q", c.Relay.Mode))
	}
	switch c.Source.Kind {
	case "hdfs", "local":
	case "s3":
		if c.Source.S3Bucket == "" {
			errs = append(errs, errors.New("source.s3_bucket must be set for s3 source"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind must be hdfs, local or s3, got %q", c.Source.Kind))
	}
	switch c.Dest.Kind {
	case "hdfs":
	case "local":
		if c.Relay.Mode != "local" {
			errs = append(errs, errors.New("dest.kind local requires relay.mode local"))
		}
	case "s3":
		if c.Relay.Mode != "local" {
			errs = append(errs, errors.New("dest.kind s3 requires relay.mode local"))
		}
		if c.Dest.S3Bucket == "" {
			errs = append(errs, errors.New("dest.s3_bucket must be set for s3 destination"))
		}
	default:
		errs = append(errs, fmt.Errorf("dest.kind must be hdfs, local or s3, got %q", c.Dest.Kind))
	}
	if c.Log.File == "" {
		errs = append(errs, errors.New("log.file must be set"))
	}
	return errors.Join(errs...)
}
