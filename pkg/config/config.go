// Podium uses flags and a single config file for configuration.
// The config file is JSON, parsed with protojson into a structpb.Struct. Nested objects group related settings and
// every leaf maps to exactly one flag through the registry in registry.go. Flags given on the command line win
// over the file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var configFilePath = flag.String("config_file", "config.json", "Path to the JSON configuration file.")

// InitFlags parses the command line, then applies the config file given by --config_file.
// It should be called after defining all flags and before using them. A missing file is not an error.
func InitFlags() error {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return nil
	}
	err := Load(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath)
		return nil
	}
	return err
}

// Load applies the config file at `path` to the flags that weren't set on the command line.
func Load(path string) error {
	return loadInto(flag.CommandLine, path)
}

func loadInto(flags *flag.FlagSet, path string) error {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	conf := new(structpb.Struct)
	if err := protojson.Unmarshal(configBytes, conf); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return setConfigFlags(flags, conf)
}

// setConfigFlags sets every flag filled in `conf`.
func setConfigFlags(flags *flag.FlagSet, conf *structpb.Struct) error {
	values := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlagValues(values, "", conf); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}

	explicit := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for flagName, flagValue := range values {
		if explicit[flagName] {
			slog.Debug("Flag was set on the command line; ignoring config entry.", "flag", flagName)
			continue
		}
		if err := flags.Set(flagName, flagValue); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}

// collectFlagValues walks `conf`, resolving each leaf path through the registry.
func collectFlagValues(values map[string]string, prefix string, conf *structpb.Struct) error {
	for key, value := range conf.GetFields() {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.GetKind().(*structpb.Value_StructValue); ok {
			if err := collectFlagValues(values, path, nested.StructValue); err != nil {
				return err
			}
			continue
		}
		flagName, ok := flagByPath[path]
		if !ok {
			return fmt.Errorf("unknown config entry '%s'", path)
		}
		stringValue, err := valueToString(value)
		if err != nil {
			return fmt.Errorf("failed to convert '%s': %w", path, err)
		}
		if _, alreadyExists := values[flagName]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config: '%s'", flagName, path)
		}
		values[flagName] = stringValue
	}
	return nil
}

// valueToString converts a JSON leaf into the string form accepted by flag.Set.
func valueToString(value *structpb.Value) (string, error) {
	switch kind := value.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		if number == math.Trunc(number) && math.Abs(number) < 1<<53 {
			return strconv.FormatInt(int64(number), 10), nil
		}
		return strconv.FormatFloat(number, 'g', -1, 64), nil
	case *structpb.Value_ListValue:
		return "", errors.New("lists are not supported")
	case *structpb.Value_NullValue:
		return "", errors.New("null is not supported")
	default:
		return "", fmt.Errorf("unsupported value %s", strings.TrimSpace(value.String()))
	}
}
