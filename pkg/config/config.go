package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/open-feature/flagsync/pkg/fetcher"
	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/runtime"
	"github.com/open-feature/flagsync/pkg/store"
	"github.com/open-feature/flagsync/pkg/transport"
)

const (
	EnvPrefix = "FLAGSYNC"

	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds everything needed to build and set up a runtime from the command line,
// a config file or the environment.
type Config struct {
	APIKey              string        `mapstructure:"apiKey"`
	Version             string        `mapstructure:"version"`
	Platform            string        `mapstructure:"platform"`
	DebugLevel          string        `mapstructure:"debugLevel"`
	Freeze              string        `mapstructure:"freeze"`
	DisableNetworkFetch bool          `mapstructure:"disableNetworkFetch"`
	DevModeSecret       string        `mapstructure:"devModeSecret"`
	FetchIntervalInSec  int           `mapstructure:"fetchIntervalInSec"`
	FetchTimeout        time.Duration `mapstructure:"fetchTimeout"`

	// URI is an http(s) base URL of a configuration server or a path to a configuration file.
	URI         string `mapstructure:"uri"`
	StoreDir    string `mapstructure:"storeDir"`
	StoreDriver string `mapstructure:"storeDriver"`
	// Embedded is a path to the configuration applied when network and cache are unusable.
	Embedded string `mapstructure:"embedded"`
}

func DefaultConfig() *Config {
	return &Config{
		Platform:           "go",
		FetchIntervalInSec: runtime.DefaultFetchInterval,
		FetchTimeout:       fetcher.DefaultTimeout,
		StoreDriver:        DriverFile,
		StoreDir:           defaultStoreDir(),
	}
}

func defaultStoreDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "flagsync")
	}
	return filepath.Join(os.TempDir(), "flagsync")
}

// Load reads configuration from a file, the environment and flags, in increasing order of
// precedence. Without an explicit path, flagsync.{yaml,json,toml} is looked up in the
// working directory. Environment variables use the prefix FLAGSYNC, so "apiKey" is read
// from FLAGSYNC_APIKEY.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flagsync")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(FlagKey(f.Name), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FlagKey maps a kebab-case command line flag to its configuration key, so "api-key"
// binds to "apiKey".
func FlagKey(name string) string {
	parts := strings.Split(name, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any) {
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		_ = v.BindEnv(tag)
	}
}

// Options converts the configuration into runtime setup options, reading the embedded
// configuration file if one is set.
func (c *Config) Options() (runtime.Options, error) {
	level, err := model.ParseFreezeLevel(c.Freeze)
	if err != nil {
		return runtime.Options{}, err
	}
	opts := runtime.Options{
		Version:             c.Version,
		Platform:            c.Platform,
		DebugLevel:          c.DebugLevel,
		Freeze:              level,
		DisableNetworkFetch: c.DisableNetworkFetch,
		DevModeSecret:       c.DevModeSecret,
		FetchIntervalInSec:  c.FetchIntervalInSec,
		FetchTimeout:        c.FetchTimeout,
	}
	if c.Embedded != "" {
		raw, err := transport.ReadConfigurationFile(c.Embedded)
		if err != nil {
			return runtime.Options{}, fmt.Errorf("reading embedded configuration: %w", err)
		}
		opts.Embedded = raw
	}
	return opts, nil
}

// OpenStore opens the persistent store selected by StoreDriver.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.StoreDriver {
	case DriverMemory:
		return store.NewMemoryStore(), nil
	case DriverSQLite:
		if err := os.MkdirAll(c.StoreDir, 0o755); err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(filepath.Join(c.StoreDir, "flagsync.db"))
	case DriverFile, "":
		return store.NewFileStore(c.StoreDir)
	}
	return nil, fmt.Errorf("unknown store driver %q", c.StoreDriver)
}

// Transport returns an HTTP transport for http(s) URIs and a file transport otherwise.
func (c *Config) Transport(logger *log.Entry) (transport.Transport, error) {
	switch {
	case c.URI == "":
		return nil, errors.New("no uri set")
	case strings.HasPrefix(c.URI, "http://"), strings.HasPrefix(c.URI, "https://"):
		return &transport.HTTPTransport{BaseURL: c.URI, Client: &http.Client{}}, nil
	default:
		return &transport.FileTransport{Path: strings.TrimPrefix(c.URI, "file://"), Logger: logger}, nil
	}
}
