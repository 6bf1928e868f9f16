package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v2"
)

type LogFormat string

const (
	FormatText      LogFormat = "text"
	FormatColourful LogFormat = "colourful"
	FormatJSON      LogFormat = "json"
)

var validLogFormats = map[LogFormat]bool{
	FormatText:      true,
	FormatColourful: true,
	FormatJSON:      true,
}

// Config defines logging configuration shared by all corral binaries.
type Config struct {
	// Defines configuration for console logging on stderr
	Console struct {
		// Log level, e.g. info, error etc
		Level string `yaml:"level"`
		// Logging format: text, colourful or json
		Format LogFormat `yaml:"format"`
	} `yaml:"console"`
	// Defines configuration for file logging
	File struct {
		Enabled bool      `yaml:"enabled"`
		Level   string    `yaml:"level"`
		Format  LogFormat `yaml:"format"`
		// The location of the logfile on disk
		LogFile  string `yaml:"logfile"`
		Rotation struct {
			Enabled bool `yaml:"enabled"`
			// Maximum size in megabytes of the log file before it gets rotated
			MaxSizeMb  int  `yaml:"maxSizeMb"`
			MaxBackups int  `yaml:"maxBackups"`
			MaxAgeDays int  `yaml:"maxAgeDays"`
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"file"`
}

// DefaultConfig logs info and above as text to the console only.
func DefaultConfig() Config {
	c := Config{}
	c.Console.Level = "info"
	c.Console.Format = FormatText
	return c
}

func readConfig(configFilePath string) (Config, error) {
	yamlConfig, err := os.ReadFile(configFilePath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read log config file")
	}
	return parseConfig(yamlConfig)
}

func parseConfig(yamlConfig []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.UnmarshalStrict(yamlConfig, &config); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal log config")
	}
	if err := validate(config); err != nil {
		return Config{}, errors.Wrap(err, "invalid log configuration")
	}
	return config, nil
}

func validate(c Config) error {
	if _, err := parseLogLevel(c.Console.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}
	if c.File.Enabled {
		if _, err := parseLogLevel(c.File.Level); err != nil {
			return err
		}
		if err := validateLogFormat(c.File.Format); err != nil {
			return err
		}
		if c.File.LogFile == "" {
			return errors.New("file.logfile must be set when file logging is enabled")
		}
		rotation := c.File.Rotation
		if rotation.Enabled {
			if rotation.MaxSizeMb <= 0 {
				return errors.New("rotation.maxSizeMb must be greater than zero")
			}
			if rotation.MaxBackups <= 0 {
				return errors.New("rotation.maxBackups must be greater than zero")
			}
			if rotation.MaxAgeDays <= 0 {
				return errors.New("rotation.maxAgeDays must be greater than zero")
			}
		}
	}
	return nil
}

func validateLogFormat(f LogFormat) error {
	if !validLogFormats[f] {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, maps.Keys(validLogFormats))
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
}
