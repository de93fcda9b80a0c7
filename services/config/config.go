package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"furyrgb-go/bus"
	"furyrgb-go/drivers/smbus"
	"furyrgb-go/errcode"
	"furyrgb-go/types"
	"furyrgb-go/x/mathx"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// TopicRGB carries the validated types.Command (retained).
var TopicRGB = bus.T("config", "rgb")

// Config is the daemon configuration. A read-only input: nothing writes it
// back.
type Config struct {
	Color      string `yaml:"color"`
	Brightness int    `yaml:"brightness"`
	Bus        int    `yaml:"bus"` // -1: use the discovered bus
	Sysfs      string `yaml:"sysfs"`
	LogLevel   string `yaml:"log_level"`
	SMBus      SMBus  `yaml:"smbus"`
}

type SMBus struct {
	Attempts  int           `yaml:"attempts"`
	RetryBase time.Duration `yaml:"retry_base"`
	Settle    time.Duration `yaml:"settle"`
}

// Default returns the built-in configuration.
func Default() Config {
	c, err := decode(Config{}, []byte(defaultYAML))
	if err != nil {
		panic("config: bad built-in defaults: " + err.Error())
	}
	return c
}

// Load layers the YAML file at path over the defaults. An empty path yields
// the defaults. The result is not validated.
func Load(fs afero.Fs, path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return c, &errcode.E{C: errcode.InvalidConfig, Op: "load", Msg: path, Err: err}
	}
	c, err = decode(c, raw)
	if err != nil {
		return Default(), &errcode.E{C: errcode.InvalidConfig, Op: "load", Msg: path, Err: err}
	}
	return c, nil
}

func decode(base Config, raw []byte) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&base); err != nil && !errors.Is(err, io.EOF) {
		return base, err
	}
	return base, nil
}

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

const (
	FlagColor      = "color"
	FlagBrightness = "brightness"
	FlagBus        = "bus"
	FlagSysfs      = "sysfs"
	FlagLogLevel   = "log-level"
)

// BindFlags declares the flags that may override file settings. Defaults
// shown in help come from the built-in configuration.
func BindFlags(fl *pflag.FlagSet) {
	d := Default()
	fl.String(FlagColor, d.Color, "static color as #rrggbb")
	fl.Int(FlagBrightness, d.Brightness, "brightness in percent (0-100)")
	fl.Int(FlagBus, d.Bus, "smbus number, -1 to use the discovered bus")
	fl.String(FlagSysfs, d.Sysfs, "sysfs mount point")
	fl.String(FlagLogLevel, d.LogLevel, "log level (panic, fatal, error, warning, info, debug, trace)")
}

// ApplyFlags copies every flag the user set explicitly onto c.
func (c *Config) ApplyFlags(fl *pflag.FlagSet) error {
	var err error
	if fl.Changed(FlagColor) {
		c.Color, err = fl.GetString(FlagColor)
		if err != nil {
			return err
		}
	}
	if fl.Changed(FlagBrightness) {
		c.Brightness, err = fl.GetInt(FlagBrightness)
		if err != nil {
			return err
		}
	}
	if fl.Changed(FlagBus) {
		c.Bus, err = fl.GetInt(FlagBus)
		if err != nil {
			return err
		}
	}
	if fl.Changed(FlagSysfs) {
		c.Sysfs, err = fl.GetString(FlagSysfs)
		if err != nil {
			return err
		}
	}
	if fl.Changed(FlagLogLevel) {
		c.LogLevel, err = fl.GetString(FlagLogLevel)
		if err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Validation and derived values
// -----------------------------------------------------------------------------

func invalid(format string, args ...any) error {
	return &errcode.E{C: errcode.InvalidConfig, Op: "validate", Msg: fmt.Sprintf(format, args...)}
}

// Validate checks every field. A malformed color reports
// errcode.InvalidColorFormat; everything else errcode.InvalidConfig.
func (c Config) Validate() error {
	if _, err := types.ParseColor(c.Color); err != nil {
		return err
	}
	if !mathx.Between(c.Brightness, 0, 100) {
		return invalid("brightness %d outside 0..100", c.Brightness)
	}
	if c.Bus < -1 {
		return invalid("bus %d", c.Bus)
	}
	if c.Sysfs == "" {
		return invalid("empty sysfs root")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return invalid("log level %q", c.LogLevel)
	}
	if !mathx.Between(c.SMBus.Attempts, 1, 10) {
		return invalid("smbus attempts %d outside 1..10", c.SMBus.Attempts)
	}
	if c.SMBus.RetryBase < 0 || c.SMBus.Settle < 0 {
		return invalid("negative smbus timing")
	}
	return nil
}

// Command returns the lighting request described by c.
func (c Config) Command() (types.Command, error) {
	col, err := types.ParseColor(c.Color)
	if err != nil {
		return types.Command{}, err
	}
	if !mathx.Between(c.Brightness, 0, 100) {
		return types.Command{}, invalid("brightness %d outside 0..100", c.Brightness)
	}
	return types.Command{Color: col, Brightness: uint8(c.Brightness)}, nil
}

// ChannelConfig returns the bus channel timing.
func (c Config) ChannelConfig() smbus.Config {
	return smbus.Config{
		Attempts:  c.SMBus.Attempts,
		RetryBase: c.SMBus.RetryBase,
		Settle:    c.SMBus.Settle,
	}
}

// Publish validates c and publishes its lighting command as a retained
// message on TopicRGB.
func Publish(conn *bus.Connection, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cmd, err := c.Command()
	if err != nil {
		return err
	}
	conn.Publish(conn.NewMessage(TopicRGB, cmd, true))
	return nil
}
