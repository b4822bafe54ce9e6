package workload

import (
	"fmt"
	"sort"
)

type Section string

const (
	SectionStartup Section = "startup"
	SectionTesting Section = "testing"
	SectionCleanup Section = "cleanup"
)

// Sections lists the sections in the order a run executes them.
var Sections = []Section{SectionStartup, SectionTesting, SectionCleanup}

type Operation int

const (
	OpInsert Operation = iota + 1
	OpUpsert
	OpIndex
)

var operationNames = map[Operation]string{
	OpInsert: "insert",
	OpUpsert: "upsert",
	OpIndex:  "index",
}

func ParseOperation(s string) (Operation, error) {
	for op, name := range operationNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

type BatchMethod int

const (
	BatchNone BatchMethod = iota
	BatchSingle
	BatchArray
	BatchOrderedBulk
	BatchUnorderedBulk
)

var batchMethodNames = map[BatchMethod]string{
	BatchNone:          "none",
	BatchSingle:        "single",
	BatchArray:         "array",
	BatchOrderedBulk:   "ordered-bulk",
	BatchUnorderedBulk: "unordered-bulk",
}

func ParseBatchMethod(s string) (BatchMethod, error) {
	if s == "" {
		return BatchNone, nil
	}
	for m, name := range batchMethodNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown batch-method %q", s)
}

func (m BatchMethod) String() string {
	if name, ok := batchMethodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("BatchMethod(%d)", int(m))
}

// Bulk reports whether writes go through a bulk-operation builder.
func (m BatchMethod) Bulk() bool {
	return m == BatchOrderedBulk || m == BatchUnorderedBulk
}

func (m BatchMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BatchMethod) UnmarshalText(text []byte) error {
	parsed, err := ParseBatchMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// IndexKey is one component of a compound index, e.g. {"price", 1}.
type IndexKey struct {
	Field     string `json:"field"`
	Direction any    `json:"direction"`
}

type IndexOptions struct {
	Name               string `json:"name,omitempty" mapstructure:"name"`
	Unique             bool   `json:"unique,omitempty" mapstructure:"unique"`
	Sparse             bool   `json:"sparse,omitempty" mapstructure:"sparse"`
	ExpireAfterSeconds *int32 `json:"expireAfterSeconds,omitempty" mapstructure:"expireAfterSeconds"`
}

type Index struct {
	Keys    []IndexKey   `json:"keys"`
	Options IndexOptions `json:"options"`
}

// Command is one configured unit of work within a section.
type Command struct {
	Name        string             `json:"name"`
	Order       int                `json:"order"`
	Operation   Operation          `json:"operation"`
	Collection  string             `json:"collection"`
	BatchMethod BatchMethod        `json:"batch_method"`
	BatchSize   int                `json:"batch_size"`
	Doc         map[string]any     `json:"doc,omitempty"`
	Count       int64              `json:"count,omitempty"`
	Indexes     map[string][]Index `json:"indexes,omitempty"`
}

// Spec maps each section to its commands in execution order. It is never
// mutated after Parse returns.
type Spec struct {
	Sections map[Section][]Command `json:"sections"`
}

// Commands returns the commands of a section in execution order.
func (s Spec) Commands(section Section) []Command {
	return s.Sections[section]
}

func sortCommands(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Order != cmds[j].Order {
			return cmds[i].Order < cmds[j].Order
		}
		return cmds[i].Name < cmds[j].Name
	})
}
