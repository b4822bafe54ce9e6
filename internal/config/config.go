package config

import (
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the merged content of every configuration layer handed to docbench.
type File struct {
	Databases        []map[string]any `mapstructure:"databases"`
	DatabaseDefaults map[string]any   `mapstructure:"database-defaults"`
	Testcase         map[string]any   `mapstructure:"testcase"`
	TestcaseDefaults map[string]any   `mapstructure:"testcase-defaults"`
}

// Load reads each path (YAML or JSON) and merges them in order, later files
// taking precedence.
func Load(paths ...string) (*File, error) {
	if len(paths) == 0 {
		return nil, errors.New("no configuration files given")
	}
	layers := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		layer, err := readLayer(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return FromMaps(layers...)
}

// FromMaps merges already-parsed layers and decodes the result.
func FromMaps(layers ...map[string]any) (*File, error) {
	merged := Merge(layers...)
	var f File
	if err := Decode(merged, &f); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	return &f, nil
}

// TestcaseConfig returns the testcase section layered over testcase-defaults.
func (f *File) TestcaseConfig() map[string]any {
	return Merge(f.TestcaseDefaults, f.Testcase)
}

// DatabaseConfigs returns each database entry layered over database-defaults.
func (f *File) DatabaseConfigs() []map[string]any {
	out := make([]map[string]any, 0, len(f.Databases))
	for _, db := range f.Databases {
		out = append(out, Merge(f.DatabaseDefaults, db))
	}
	return out
}

// Decode converts a generic map into a tagged struct. Numeric strings and
// floats holding whole numbers are accepted for integer fields.
func Decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func readLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var layer map[string]any
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return layer, nil
}
