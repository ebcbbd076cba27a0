package tidsp

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a decode session.
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Video   VideoConfig   `yaml:"video"`
	Buffers BuffersConfig `yaml:"buffers"`
	Codec   CodecConfig   `yaml:"codec"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

// BridgeConfig locates the bridge shim and selects the processor.
type BridgeConfig struct {
	LibraryPath string `yaml:"library_path"`
	Processor   uint32 `yaml:"processor"`
	MailboxAPI  int    `yaml:"mailbox_api"`
}

// VideoConfig is the stream geometry.
type VideoConfig struct {
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	ColorFormat string `yaml:"color_format"`
}

// BuffersConfig sets the slot count of each port.
type BuffersConfig struct {
	Input  int `yaml:"input"`
	Output int `yaml:"output"`
}

// CodecConfig names the codec; Options are decoded by the codec itself.
type CodecConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// EventsConfig tunes the event loop.
type EventsConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// LogConfig sets the logrus level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		Bridge:  BridgeConfig{MailboxAPI: DefaultMailboxAPIVersion},
		Video:   VideoConfig{ColorFormat: "I420"},
		Buffers: BuffersConfig{Input: DefaultInputBuffers, Output: DefaultOutputBuffers},
		Codec:   CodecConfig{Name: MP4VDecoderName},
		Events:  EventsConfig{WaitTimeout: DefaultWaitTimeout},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadConfig reads and validates a YAML config file. Missing keys keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML config data.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("tidsp: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values a Session cannot use.
func (c *Config) Validate() error {
	if OutputBufferSize(c.Video.Width, c.Video.Height) == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, c.Video.Width, c.Video.Height)
	}
	if _, ok := ParseColorFormat(c.Video.ColorFormat); !ok {
		return fmt.Errorf("tidsp: unsupported color format %q", c.Video.ColorFormat)
	}
	if c.Buffers.Input <= 0 || c.Buffers.Output <= 0 {
		return errors.New("tidsp: buffer counts must be positive")
	}
	if c.Bridge.MailboxAPI < 0 {
		return fmt.Errorf("tidsp: invalid mailbox api version %d", c.Bridge.MailboxAPI)
	}
	if c.Events.WaitTimeout <= 0 {
		return errors.New("tidsp: wait timeout must be positive")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("tidsp: %w", err)
	}
	return nil
}

// NewCodec builds the configured codec from the registry.
func (c *Config) NewCodec() (CodecDescriptor, error) {
	return LookupCodec(c.Codec.Name, c.Codec.Options)
}

// NewLogger returns a logrus logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// SessionOptions converts the configuration into NewSession options.
func (c *Config) SessionOptions() []Option {
	color, _ := ParseColorFormat(c.Video.ColorFormat)
	return []Option{
		WithGeometry(c.Video.Width, c.Video.Height),
		WithColorFormat(color),
		WithBufferCount(c.Buffers.Input, c.Buffers.Output),
		WithProcessor(c.Bridge.Processor),
		WithMailboxAPI(c.Bridge.MailboxAPI),
	}
}
