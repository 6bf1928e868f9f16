package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	tests := map[string]struct {
		yaml    string
		wantErr bool
	}{
		"defaults": {
			yaml: "",
		},
		"json console": {
			yaml: "console:\n  level: debug\n  format: json\n",
		},
		"bad level": {
			yaml:    "console:\n  level: loud\n",
			wantErr: true,
		},
		"bad format": {
			yaml:    "console:\n  format: xml\n",
			wantErr: true,
		},
		"file without path": {
			yaml:    "file:\n  enabled: true\n  level: info\n  format: text\n",
			wantErr: true,
		},
		"rotation without size": {
			yaml:    "file:\n  enabled: true\n  level: info\n  format: text\n  logfile: /tmp/x.log\n  rotation:\n    enabled: true\n",
			wantErr: true,
		},
		"unknown key": {
			yaml:    "consol:\n  level: info\n",
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig([]byte(tc.yaml))
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigureWritesFile(t *testing.T) {
	config := DefaultConfig()
	config.Console.Level = "error"
	config.File.Enabled = true
	config.File.Level = "debug"
	config.File.Format = FormatJSON
	config.File.LogFile = filepath.Join(t.TempDir(), "corral.log")

	logger := logrus.New()
	require.NoError(t, Configure(logger, config))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	logger.Debug("hello")
	assert.FileExists(t, config.File.LogFile)
}

func TestWithStacktrace(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	err := errors.Wrap(errors.New("root"), "outer")
	WithStacktrace(logrus.NewEntry(logger), err).Error("failed")
	assert.Contains(t, buf.String(), Stacktrace)
	assert.Contains(t, buf.String(), "outer: root")
}

func TestPrometheusHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook := NewPrometheusHook(reg)
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.AddHook(hook)
	logger.Warn("one")
	logger.Warn("two")
	logger.Info("three")
	assert.Equal(t, 2.0, testutil.ToFloat64(hook.counters[logrus.WarnLevel]))
	assert.Equal(t, 1.0, testutil.ToFloat64(hook.counters[logrus.InfoLevel]))
}

func TestCommandLineFormatter(t *testing.T) {
	tests := map[string]struct {
		level    logrus.Level
		expected string
	}{
		"info is printed bare":  {level: logrus.InfoLevel, expected: "Submitted batch job 7\n"},
		"warnings are prefixed": {level: logrus.WarnLevel, expected: "warning: Submitted batch job 7\n"},
		"errors are prefixed":   {level: logrus.ErrorLevel, expected: "error: Submitted batch job 7\n"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := (&CommandLineFormatter{}).Format(&logrus.Entry{Level: tc.level, Message: "Submitted batch job 7"})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(out))
		})
	}
}
