package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// CustomHooks are the decode hooks applied when turning raw Key=Value configuration into typed structs.
var CustomHooks = []mapstructure.DecodeHookFunc{
	SecondsDurationHookFunc(),
	YesNoBoolHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
	PulsarCompressionTypeHookFunc(),
	PulsarCompressionLevelHookFunc(),
}

// SecondsDurationHookFunc decodes durations. Bare integers are seconds, anything else must parse with
// time.ParseDuration.
func SecondsDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(secs) * time.Second, nil
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid duration %q", s)
			}
			return d, nil
		case reflect.Int, reflect.Int64, reflect.Int32:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		}
		return data, nil
	}
}

// YesNoBoolHookFunc accepts YES/NO in addition to the forms strconv.ParseBool understands.
func YesNoBoolHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Bool {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		switch strings.ToUpper(s) {
		case "YES", "Y":
			return true, nil
		case "NO", "N", "":
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, errors.Errorf("invalid boolean %q", s)
		}
		return b, nil
	}
}

func PulsarCompressionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.NoCompression) {
			return data, nil
		}
		return ParsePulsarCompressionType(data.(string))
	}
}

func PulsarCompressionLevelHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.Default) {
			return data, nil
		}
		return ParsePulsarCompressionLevel(data.(string))
	}
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(compressionType) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "zstd":
		return pulsar.ZSTD, nil
	case "lz4":
		return pulsar.LZ4, nil
	default:
		return pulsar.NoCompression, errors.Errorf("unknown pulsar compression type %q", compressionType)
	}
}

func ParsePulsarCompressionLevel(compressionLevel string) (pulsar.CompressionLevel, error) {
	switch strings.ToLower(compressionLevel) {
	case "", "default":
		return pulsar.Default, nil
	case "faster":
		return pulsar.Faster, nil
	case "better":
		return pulsar.Better, nil
	default:
		return pulsar.Default, errors.Errorf("unknown pulsar compression level %q", compressionLevel)
	}
}
