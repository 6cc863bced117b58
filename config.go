package hda

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config encapsulates the tunables of a Device.
// Zero values select the defaults listed on each field.
type Config struct {
	// CommandTimeout bounds each wait of a codec transaction (default 50ms).
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// ResetTimeout bounds each wait of the reset sequence (default 100ms).
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// PollInterval is the pause between two polls of a status register (default 0, spin with yield).
	PollInterval time.Duration `yaml:"poll_interval"`

	// NumBuffers is the number of buffer descriptors in the cyclic list (default 4, 2..256).
	NumBuffers uint32 `yaml:"num_buffers"`
	// BufferSize is the size in bytes of each buffer (default 64 KiB, rounded up to 128 bytes).
	BufferSize uint32 `yaml:"buffer_size"`
	// Rate is the initial sample rate, 44100 or 48000 (default 48000).
	Rate uint32 `yaml:"rate"`
	// Channels is the initial channel count, 1 or 2 (default 2).
	Channels uint32 `yaml:"channels"`
	// Volume is the initial volume, 1..255 (default 255). Use SetVolume(0) to mute.
	Volume uint8 `yaml:"volume"`

	// LogLevel sets the level of the default logger (default "warning").
	LogLevel string `yaml:"log_level"`
	// Logger receives the driver's log output. A stderr logger is created when nil.
	Logger *logrus.Logger `yaml:"-"`
	// Metrics receives the driver's counters. A private registry is created when nil.
	Metrics metrics.Registry `yaml:"-"`

	// OnBufferComplete is called from HandleInterrupt each time the controller finishes a buffer.
	// It must not block and must not call back into the Device's command path.
	OnBufferComplete func(s *Stream, buffer uint32) `yaml:"-"`
	// OnUnsolicited receives unsolicited codec responses (jack sense and the like).
	// Responses are queued while a transaction reads the RIRB and delivered once the
	// command path is released, so the callback may issue verbs itself.
	OnUnsolicited func(codec uint8, response uint32) `yaml:"-"`
}

const (
	defaultCommandTimeout = 50 * time.Millisecond
	defaultResetTimeout   = 100 * time.Millisecond
	defaultNumBuffers     = 4
	defaultBufferSize     = 0x10000
	defaultVolume         = 255
	maxNumBuffers         = 256
)

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// defaultConfig holds the values merged into unset Config fields.
var defaultConfig = Config{
	CommandTimeout: defaultCommandTimeout,
	ResetTimeout:   defaultResetTimeout,
	NumBuffers:     defaultNumBuffers,
	BufferSize:     defaultBufferSize,
	Volume:         defaultVolume,
}

// withDefaults returns a copy of the config with every unset field filled in.
func (c *Config) withDefaults() (Config, error) {
	var config Config
	if c != nil {
		config = *c
	}

	if config.CommandTimeout < 0 {
		config.CommandTimeout = 0
	}

	if config.ResetTimeout < 0 {
		config.ResetTimeout = 0
	}

	if config.PollInterval < 0 {
		config.PollInterval = 0
	}

	if err := mergo.Merge(&config, defaultConfig); err != nil {
		return config, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if config.NumBuffers < 2 || config.NumBuffers > maxNumBuffers {
		return config, fmt.Errorf("invalid buffer count %d (must be 2..%d)", config.NumBuffers, maxNumBuffers)
	}

	config.BufferSize = (config.BufferSize + 127) &^ 127

	config.Rate = coerceRate(config.Rate)
	config.Channels = coerceChannels(config.Channels)

	if config.Volume == 0 {
		config.Volume = defaultVolume
	}

	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetOutput(os.Stderr)
		level := logrus.WarnLevel
		if config.LogLevel != "" {
			l, err := logrus.ParseLevel(config.LogLevel)
			if err != nil {
				return config, fmt.Errorf("invalid log level '%s': %w", config.LogLevel, err)
			}
			level = l
		}
		config.Logger.SetLevel(level)
	}

	if config.Metrics == nil {
		config.Metrics = metrics.NewRegistry()
	}

	return config, nil
}
