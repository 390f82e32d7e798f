// Package config loads the smtool configuration from file, environment and flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/skythen/cwa14890"
	"github.com/skythen/cwa14890/ccid"
	"github.com/skythen/cwa14890/pcsc"
)

// EnvPrefix is the prefix of environment variables overriding configuration keys, e.g. SMTOOL_LOG_LEVEL.
const EnvPrefix = "SMTOOL"

// Config holds all configuration settings.
type Config struct {
	Log struct {
		Level  string
		Format string
	}
	Channel struct {
		Suite string
	}
	Reader struct {
		Name  string
		Index int
	}
	CCID struct {
		VID                uint16
		PID                uint16
		Slot               uint8
		Timeout            time.Duration
		MaxTransmitRetries int `mapstructure:"max_transmit_retries"`
		MaxReconnects      int `mapstructure:"max_reconnects"`
		MaxTimeExtensions  int `mapstructure:"max_time_extensions"`
	}
}

// New returns a viper instance with defaults, environment binding and the config file search path set up.
// If file is not empty, only that file is read.
func New(file string) *viper.Viper {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.smtool")
		v.AddConfigPath("/etc/smtool/")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file, if there is one, and decodes the configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")

	v.SetDefault("channel.suite", cwa14890.DESMAC8.String())

	v.SetDefault("reader.name", "")
	v.SetDefault("reader.index", 0)

	v.SetDefault("ccid.vid", 0)
	v.SetDefault("ccid.pid", 0)
	v.SetDefault("ccid.slot", 0)
	v.SetDefault("ccid.timeout", ccid.DefaultTimeout)
	v.SetDefault("ccid.max_transmit_retries", ccid.DefaultMaxTransmitRetries)
	v.SetDefault("ccid.max_reconnects", ccid.DefaultMaxReconnects)
	v.SetDefault("ccid.max_time_extensions", ccid.DefaultMaxTimeExtensions)
}

// CipherSuite returns the configured cipher suite of the secure channel.
func (c *Config) CipherSuite() (cwa14890.CipherSuite, error) {
	return cwa14890.ParseCipherSuite(c.Channel.Suite)
}

// ReaderConfiguration returns the configuration of a PC/SC reader.
func (c *Config) ReaderConfiguration() pcsc.Configuration {
	return pcsc.Configuration{
		Reader:      c.Reader.Name,
		ReaderIndex: c.Reader.Index,
	}
}

// DeviceConfiguration returns the configuration of a CCID device.
func (c *Config) DeviceConfiguration() ccid.Configuration {
	return ccid.Configuration{
		Slot:               c.CCID.Slot,
		Timeout:            c.CCID.Timeout,
		MaxTransmitRetries: c.CCID.MaxTransmitRetries,
		MaxReconnects:      c.CCID.MaxReconnects,
		MaxTimeExtensions:  c.CCID.MaxTimeExtensions,
	}
}
