package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_NestedMapsMergeAndLeavesReplace(t *testing.T) {
	base := map[string]any{
		"testcase": map[string]any{
			"process-count": 1,
			"testing": map[string]any{
				"insert": map[string]any{"batch-size": 10, "collection": "a"},
			},
		},
		"tags": []any{"x", "y"},
	}
	override := map[string]any{
		"testcase": map[string]any{
			"process-count": 4,
			"testing": map[string]any{
				"insert": map[string]any{"batch-size": 100},
			},
		},
		"tags": []any{"z"},
	}

	merged := Merge(base, override)

	tc := merged["testcase"].(map[string]any)
	assert.Equal(t, 4, tc["process-count"])
	insert := tc["testing"].(map[string]any)["insert"].(map[string]any)
	assert.Equal(t, 100, insert["batch-size"])
	assert.Equal(t, "a", insert["collection"])
	assert.Equal(t, []any{"z"}, merged["tags"])

	// inputs untouched
	assert.Equal(t, 1, base["testcase"].(map[string]any)["process-count"])
}

func TestLoad_LayersFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "base.yaml")
	second := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(first, []byte(`
database-defaults:
  options:
    port: 27017
    fork: null
databases:
  - name: local
    options:
      dbpath: /tmp/db
testcase-defaults:
  process-count: 2
testcase:
  name: iibench
  testing:
    insert:
      operation: insert
      collection: purchases_index
      doc:
        customerId: {random-int: [0, 100000]}
`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`{"testcase": {"max-iterations": 500}}`), 0o644))

	f, err := Load(first, second)
	require.NoError(t, err)

	tc := f.TestcaseConfig()
	assert.Equal(t, 2, tc["process-count"])
	assert.Equal(t, 500, tc["max-iterations"])
	assert.Equal(t, "iibench", tc["name"])

	insert := tc["testing"].(map[string]any)["insert"].(map[string]any)
	doc := insert["doc"].(map[string]any)
	assert.Contains(t, doc, "customerId", "field names keep their case")

	dbs := f.DatabaseConfigs()
	require.Len(t, dbs, 1)
	opts := dbs[0]["options"].(map[string]any)
	assert.Equal(t, 27017, opts["port"])
	assert.Equal(t, "/tmp/db", opts["dbpath"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDecode_WeakTyping(t *testing.T) {
	var out struct {
		Count int     `mapstructure:"count"`
		Rate  float64 `mapstructure:"rate"`
	}
	require.NoError(t, Decode(map[string]any{"count": "12", "rate": 5}, &out))
	assert.Equal(t, 12, out.Count)
	assert.Equal(t, 5.0, out.Rate)
}
