package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logConfigPathEnvVar = "CORRAL_LOG_CONFIG"
	RFC3339Milli        = "2006-01-02T15:04:05.000Z07:00"
)

// MustConfigureApplicationLogging sets up logging suitable for a daemon. Logging configuration is loaded from
// a filepath given by the CORRAL_LOG_CONFIG environmental variable, or defaults are used if this var is unset.
// Note that this function will immediately shut down the application if it fails.
func MustConfigureApplicationLogging() {
	if err := ConfigureApplicationLogging(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

func ConfigureApplicationLogging() error {
	config := DefaultConfig()
	if path, ok := os.LookupEnv(logConfigPathEnvVar); ok {
		var err error
		config, err = readConfig(path)
		if err != nil {
			return err
		}
	}
	return Configure(log.StandardLogger(), config)
}

// Configure applies config to logger. Console output goes to stderr; when file logging is enabled
// a second writer with its own level and format is attached through a hook.
func Configure(logger *log.Logger, config Config) error {
	if err := validate(config); err != nil {
		return err
	}
	consoleLevel, _ := parseLogLevel(config.Console.Level)
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(formatterFor(config.Console.Format))
	logger.SetReportCaller(true)
	level := consoleLevel

	if config.File.Enabled {
		fileLevel, _ := parseLogLevel(config.File.Level)
		if fileLevel > level {
			level = fileLevel
		}
		logger.AddHook(&writerHook{
			writer:    createFileWriter(config),
			formatter: formatterFor(config.File.Format),
			levels:    levelsUpTo(fileLevel),
		})
		// The hook sees everything the logger emits, so the console writer filters by its own level.
		if fileLevel > consoleLevel {
			logger.SetOutput(io.Discard)
			logger.AddHook(&writerHook{
				writer:    os.Stderr,
				formatter: formatterFor(config.Console.Format),
				levels:    levelsUpTo(consoleLevel),
			})
		}
	}
	logger.SetLevel(level)
	return nil
}

func createFileWriter(config Config) io.Writer {
	rotation := config.File.Rotation
	if !rotation.Enabled {
		return &lumberjack.Logger{Filename: config.File.LogFile}
	}
	return &lumberjack.Logger{
		Filename:   config.File.LogFile,
		MaxSize:    rotation.MaxSizeMb,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}
}

func formatterFor(format LogFormat) log.Formatter {
	switch format {
	case FormatJSON:
		return &log.JSONFormatter{
			TimestampFormat:  RFC3339Milli,
			CallerPrettyfier: shortCaller,
		}
	default:
		return &log.TextFormatter{
			ForceColors:      format == FormatColourful,
			DisableColors:    format == FormatText,
			FullTimestamp:    true,
			TimestampFormat:  RFC3339Milli,
			CallerPrettyfier: shortCaller,
		}
	}
}

func levelsUpTo(max log.Level) []log.Level {
	levels := make([]log.Level, 0, len(log.AllLevels))
	for _, l := range log.AllLevels {
		if l <= max {
			levels = append(levels, l)
		}
	}
	return levels
}

func shortCaller(frame *runtime.Frame) (function string, file string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

type writerHook struct {
	writer    io.Writer
	formatter log.Formatter
	levels    []log.Level
}

func (h *writerHook) Levels() []log.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = h.writer.Write(line)
	return err
}

// ConfigureCliLogging sets up logging for command line tools: bare messages on stdout.
func ConfigureCliLogging() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}
