package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

// ByteSize accepts plain integers or human sizes such as "250MiB".
type ByteSize int64

type DownloadConfig struct {
	OutDir         string            `mapstructure:"out_dir" yaml:"out_dir"`
	Threads        int               `mapstructure:"threads" yaml:"threads"`
	BlockSize      ByteSize          `mapstructure:"block_size" yaml:"block_size"`
	MaxRetry       int               `mapstructure:"max_retry" yaml:"max_retry"`
	RateLimit      ByteSize          `mapstructure:"rate_limit" yaml:"rate_limit"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
	ReadTimeout    time.Duration     `mapstructure:"read_timeout" yaml:"read_timeout"`
	UserAgent      string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
}

type UploadConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Token            string        `mapstructure:"token" yaml:"token"`
	Threads          int           `mapstructure:"threads" yaml:"threads"`
	BlockSize        ByteSize      `mapstructure:"block_size" yaml:"block_size"`
	ChunkSize        ByteSize      `mapstructure:"chunk_size" yaml:"chunk_size"`
	MaxBlockRestarts int           `mapstructure:"max_block_restarts" yaml:"max_block_restarts"`
	RestartDelay     time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	RateLimit        ByteSize      `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"` // sqlite, postgres or file
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	CheckpointDir string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
)

// Load reads the YAML config at path. When path is empty the default
// config.yaml is used if present; otherwise defaults and BLOCKXFER_*
// environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.threads", 4)
	v.SetDefault("download.block_size", "250MiB")
	v.SetDefault("download.max_retry", 10)
	v.SetDefault("download.rate_limit", 0)
	v.SetDefault("download.request_timeout", "8s")
	v.SetDefault("download.read_timeout", "8s")
	v.SetDefault("download.user_agent", "blockxfer download engine")
	v.SetDefault("upload.url", "")
	v.SetDefault("upload.token", "")
	v.SetDefault("upload.threads", 4)
	v.SetDefault("upload.block_size", "16MiB")
	v.SetDefault("upload.chunk_size", "4MiB")
	v.SetDefault("upload.max_block_restarts", 0)
	v.SetDefault("upload.restart_delay", "1s")
	v.SetDefault("upload.rate_limit", 0)
	v.SetDefault("log.path", "blockxfer.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.sqlite_path", "./data/blockxfer.db")
	v.SetDefault("store.checkpoint_dir", "./data/checkpoints")

	explicit := path != ""
	if !explicit {
		path = "config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			// FALLBACK: Docker style mount
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else {
				path = ""
			}
		}
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("BLOCKXFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return ByteSize(0), nil
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return ByteSize(n), nil
	}
}

func (c *Config) validate() error {
	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}
	if c.Download.Threads <= 0 {
		c.Download.Threads = 1
	}
	if c.Download.BlockSize <= 0 {
		c.Download.BlockSize = 250 * humanize.MiByte
	}
	if c.Download.MaxRetry <= 0 {
		c.Download.MaxRetry = 10
	}
	if c.Download.RateLimit < 0 {
		return errors.New("download.rate_limit cannot be negative")
	}

	if c.Upload.Threads <= 0 {
		c.Upload.Threads = 1
	}
	if c.Upload.BlockSize <= 0 {
		c.Upload.BlockSize = 16 * humanize.MiByte
	}
	if c.Upload.ChunkSize <= 0 {
		c.Upload.ChunkSize = 4 * humanize.MiByte
	}
	if c.Upload.ChunkSize > c.Upload.BlockSize {
		return fmt.Errorf("upload.chunk_size (%s) exceeds upload.block_size (%s)",
			humanize.IBytes(uint64(c.Upload.ChunkSize)), humanize.IBytes(uint64(c.Upload.BlockSize)))
	}
	if c.Upload.MaxBlockRestarts < 0 {
		return errors.New("upload.max_block_restarts cannot be negative")
	}
	if c.Upload.RateLimit < 0 {
		return errors.New("upload.rate_limit cannot be negative")
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	switch c.Store.Driver {
	case "":
		c.Store.Driver = DriverSQLite
	case DriverSQLite, DriverFile:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "./data/blockxfer.db"
	}
	if c.Store.CheckpointDir == "" {
		c.Store.CheckpointDir = "./data/checkpoints"
	}

	return nil
}
