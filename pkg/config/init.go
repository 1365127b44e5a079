package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoDAV Configuration File
#
# Every value below is a default. Environment variables override file values:
# DITTODAV_<SECTION>_<KEY>, e.g. DITTODAV_ADMISSION_MAX_QUEUE_SIZE=100000.
#
# backend.type selects one of memory, badger, s3, postgres; only the matching
# backend section is read.

`

var durationType = reflect.TypeOf(time.Duration(0))

// settingsOf converts a configuration value into the nested map layout of
// the configuration file, keyed by mapstructure tags. Durations are rendered
// as strings ("30s") so they survive a YAML round trip.
func settingsOf(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return settingsOf(v.Elem())

	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			out[name] = settingsOf(v.Field(i))
		}
		return out

	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = settingsOf(iter.Value())
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := range v.Len() {
			out[i] = settingsOf(v.Index(i))
		}
		return out

	default:
		return v.Interface()
	}
}

// flatten turns nested settings into dotted viper keys. Empty maps produce
// no key.
func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

// registerDefaults makes every key of the default configuration known to
// viper. Besides providing fallbacks, this is what lets AutomaticEnv resolve
// DITTODAV_* variables for keys absent from the file.
func registerDefaults(v *viper.Viper) {
	defaults := make(map[string]any)
	flatten("", settingsOf(reflect.ValueOf(GetDefaultConfig())).(map[string]any), defaults)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Marshal renders cfg as a YAML configuration file.
func Marshal(cfg *Config) ([]byte, error) {
	body, err := yaml.Marshal(settingsOf(reflect.ValueOf(cfg)))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return append([]byte(configHeader), body...), nil
}

// InitConfig writes a configuration file with all defaults to the default
// location and returns its path. An existing file is only replaced when
// force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a configuration file with all defaults to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Marshal(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
