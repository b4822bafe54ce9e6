package workload

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// ConfigError reports a command that cannot be executed as configured.
type ConfigError struct {
	Section Section
	Command string
	Msg     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Section, e.Command, e.Msg)
}

// Defaults are testcase-level values a command falls back to.
type Defaults struct {
	BatchMethod string
	BatchSize   int
}

type rawCommand struct {
	Operation   string                `mapstructure:"operation"`
	Collection  string                `mapstructure:"collection"`
	BatchMethod string                `mapstructure:"batch-method"`
	BatchSize   int                   `mapstructure:"batch-size"`
	Doc         map[string]any        `mapstructure:"doc"`
	Count       int64                 `mapstructure:"count"`
	Order       int                   `mapstructure:"order"`
	Indexes     map[string][]rawIndex `mapstructure:"indexes"`
}

type rawIndex struct {
	Index  [][]any        `mapstructure:"index"`
	Kwargs map[string]any `mapstructure:"kwargs"`
}

// Parse builds a Spec from the startup/testing/cleanup sections of a
// testcase configuration. Unknown tags and incompatible batch settings are
// rejected here rather than when the command runs.
func Parse(testcase map[string]any, defaults Defaults) (Spec, error) {
	spec := Spec{Sections: make(map[Section][]Command, len(Sections))}
	for _, section := range Sections {
		raw, ok := testcase[string(section)]
		if !ok || raw == nil {
			continue
		}
		commands, ok := raw.(map[string]any)
		if !ok {
			return Spec{}, &ConfigError{Section: section, Msg: "section must be a mapping of command name to command"}
		}
		for name, value := range commands {
			cmd, err := parseCommand(section, name, value, defaults)
			if err != nil {
				return Spec{}, err
			}
			spec.Sections[section] = append(spec.Sections[section], cmd)
		}
		sortCommands(spec.Sections[section])
	}
	return spec, nil
}

func parseCommand(section Section, name string, value any, defaults Defaults) (Command, error) {
	fail := func(format string, args ...any) (Command, error) {
		return Command{}, &ConfigError{Section: section, Command: name, Msg: fmt.Sprintf(format, args...)}
	}

	var raw rawCommand
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Command{}, err
	}
	if err := dec.Decode(value); err != nil {
		return fail("%v", err)
	}

	op, err := ParseOperation(raw.Operation)
	if err != nil {
		return fail("%v", err)
	}
	cmd := Command{
		Name:       name,
		Order:      raw.Order,
		Operation:  op,
		Collection: raw.Collection,
		Doc:        raw.Doc,
		Count:      raw.Count,
	}

	if op == OpIndex {
		if len(raw.Indexes) == 0 {
			return fail("index command has no indexes")
		}
		cmd.Indexes, err = parseIndexes(raw.Indexes)
		if err != nil {
			return fail("%v", err)
		}
		return cmd, nil
	}

	methodName := raw.BatchMethod
	if methodName == "" {
		methodName = defaults.BatchMethod
	}
	cmd.BatchMethod, err = ParseBatchMethod(methodName)
	if err != nil {
		return fail("%v", err)
	}
	cmd.BatchSize = raw.BatchSize
	if cmd.BatchSize == 0 {
		cmd.BatchSize = defaults.BatchSize
	}
	if cmd.BatchSize == 0 {
		cmd.BatchSize = 1
	}

	switch {
	case cmd.Collection == "":
		return fail("collection is required")
	case cmd.BatchSize < 0:
		return fail("batch-size must be positive, got %d", cmd.BatchSize)
	case cmd.Count < 0:
		return fail("count must not be negative, got %d", cmd.Count)
	case cmd.BatchMethod == BatchNone:
		return fail("%s requires a batch-method", op)
	case op == OpUpsert && cmd.BatchMethod == BatchArray:
		return fail("upsert cannot use batch-method array")
	}
	return cmd, nil
}

func parseIndexes(raw map[string][]rawIndex) (map[string][]Index, error) {
	out := make(map[string][]Index, len(raw))
	for collection, items := range raw {
		for _, item := range items {
			if len(item.Index) == 0 {
				return nil, fmt.Errorf("index on %s has no keys", collection)
			}
			idx := Index{}
			for _, pair := range item.Index {
				if len(pair) != 2 {
					return nil, fmt.Errorf("index key on %s must be [field, direction], got %v", collection, pair)
				}
				field, ok := pair[0].(string)
				if !ok {
					return nil, fmt.Errorf("index field on %s must be a string, got %v", collection, pair[0])
				}
				idx.Keys = append(idx.Keys, IndexKey{Field: field, Direction: pair[1]})
			}
			if item.Kwargs != nil {
				dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
					Result:           &idx.Options,
					WeaklyTypedInput: true,
					ErrorUnused:      true,
				})
				if err != nil {
					return nil, err
				}
				if err := dec.Decode(item.Kwargs); err != nil {
					return nil, fmt.Errorf("index options on %s: %w", collection, err)
				}
			}
			out[collection] = append(out[collection], idx)
		}
	}
	return out, nil
}
