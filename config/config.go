// Package config loads the settings of a gpumem device.
//
// Values are taken, from the highest to the lowest precedence, from command
// line flags, GPUMEM_* environment variables (a .env file can provide them),
// a config file, and the defaults.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/sarchlab/gpumem/mem/vm/gmmu"
)

// EnvPrefix is the prefix of the environment variables that configure a
// device.
const EnvPrefix = "GPUMEM"

// VidmemConfig configures the video memory manager.
type VidmemConfig struct {
	Size           uint64        `mapstructure:"size"`
	BootstrapSize  uint64        `mapstructure:"bootstrap_size"`
	PageSize       uint64        `mapstructure:"page_size"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	DestroyTimeout time.Duration `mapstructure:"destroy_timeout"`
	DestroyPoll    time.Duration `mapstructure:"destroy_poll"`
}

// CSSConfig configures the cycle stats snapshot multiplexer.
type CSSConfig struct {
	HWBufferSize     uint32 `mapstructure:"hw_buffer_size"`
	ClientBufferSize uint32 `mapstructure:"client_buffer_size"`
}

// MonitorConfig configures the monitoring server. Port 0 disables it.
type MonitorConfig struct {
	Port        int  `mapstructure:"port"`
	OpenBrowser bool `mapstructure:"open_browser"`
}

// RecordConfig configures data recording. An empty path disables it.
type RecordConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds all the settings of a device.
type Config struct {
	Chip                string `mapstructure:"chip"`
	BigPageSize         uint64 `mapstructure:"big_page_size"`
	Compression         bool   `mapstructure:"compression"`
	CompressionPageSize uint64 `mapstructure:"compression_page_size"`
	PlatformAtomic      bool   `mapstructure:"platform_atomic"`

	Vidmem  VidmemConfig  `mapstructure:"vidmem"`
	CSS     CSSConfig     `mapstructure:"css"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Record  RecordConfig  `mapstructure:"record"`
	Log     LogConfig     `mapstructure:"log"`
}

var defaults = map[string]interface{}{
	"chip":                  "gp10b",
	"big_page_size":         64 << 10,
	"compression":           false,
	"compression_page_size": 128 << 10,
	"platform_atomic":       false,

	"vidmem.size":            1 << 30,
	"vidmem.bootstrap_size":  32 << 20,
	"vidmem.page_size":       64 << 10,
	"vidmem.poll_timeout":    3 * time.Second,
	"vidmem.destroy_timeout": time.Second,
	"vidmem.destroy_poll":    10 * time.Millisecond,

	"css.hw_buffer_size":     512 << 10,
	"css.client_buffer_size": 64 << 10,

	"monitor.port":         0,
	"monitor.open_browser": false,
	"record.path":          "",

	"log.level":  "info",
	"log.format": "console",
}

// Default returns the configuration with all defaults applied.
func Default() Config {
	c, err := MakeLoader().Load()
	if err != nil {
		panic(err)
	}

	return c
}

// A Loader reads a Config from its sources.
type Loader struct {
	configFile string
	envFile    string
	flags      map[string]*pflag.Flag
}

// MakeLoader creates a loader that only reads the environment.
func MakeLoader() Loader {
	return Loader{}
}

// WithConfigFile sets the config file to read. The format follows the file
// extension.
func (l Loader) WithConfigFile(path string) Loader {
	l.configFile = path
	return l
}

// WithEnvFile sets a dotenv file whose variables are added to the
// environment before loading.
func (l Loader) WithEnvFile(path string) Loader {
	l.envFile = path
	return l
}

// WithFlag binds a command line flag to a config key such as "log.level".
func (l Loader) WithFlag(key string, flag *pflag.Flag) Loader {
	flags := make(map[string]*pflag.Flag, len(l.flags)+1)
	for k, f := range l.flags {
		flags[k] = f
	}

	flags[key] = flag
	l.flags = flags

	return l
}

// Load reads the configuration.
func (l Loader) Load() (Config, error) {
	var c Config

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil {
			return c, errors.Wrapf(err, "loading env file %s", l.envFile)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, flag := range l.flags {
		if flag == nil {
			continue
		}

		if err := v.BindPFlag(key, flag); err != nil {
			return c, errors.Wrapf(err, "binding flag to %s", key)
		}
	}

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return c, errors.Wrapf(err, "reading config file %s", l.configFile)
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, errors.Wrap(err, "decoding config")
	}

	return c, nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Validate reports every setting the device cannot be built with.
func (c Config) Validate() error {
	var err error

	chip, chipErr := gmmu.ParseChip(c.Chip)
	if chipErr != nil {
		err = multierr.Append(err, chipErr)
	} else if c.BigPageSize != gmmu.DefaultBigPageSize(chip) {
		err = multierr.Append(err, errors.Errorf(
			"big page size %d not supported by %s", c.BigPageSize, chip))
	}

	if c.Compression && !isPowerOfTwo(c.CompressionPageSize) {
		err = multierr.Append(err, errors.Errorf(
			"compression page size %d is not a power of two",
			c.CompressionPageSize))
	}

	if !isPowerOfTwo(c.Vidmem.PageSize) {
		err = multierr.Append(err, errors.Errorf(
			"vidmem page size %d is not a power of two", c.Vidmem.PageSize))
	}

	if c.Vidmem.BootstrapSize == 0 || c.Vidmem.BootstrapSize >= c.Vidmem.Size {
		err = multierr.Append(err, errors.Errorf(
			"bootstrap region of %d bytes does not fit vidmem of %d bytes",
			c.Vidmem.BootstrapSize, c.Vidmem.Size))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"poll_timeout", c.Vidmem.PollTimeout},
		{"destroy_timeout", c.Vidmem.DestroyTimeout},
		{"destroy_poll", c.Vidmem.DestroyPoll},
	}
	for _, v := range durations {
		if v.d <= 0 {
			err = multierr.Append(err, errors.Errorf(
				"vidmem %s %s is not positive", v.name, v.d))
		}
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		err = multierr.Append(err, errors.Errorf(
			"unknown log format %q", c.Log.Format))
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.Errorf(
			"monitor port %d out of range", c.Monitor.Port))
	}

	return err
}
