package generator

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := New(Config{RandomTextBufferSize: 4096, RandomBytesBufferSize: 2048, Seed: 42})
	require.NoError(t, err)
	return g
}

func TestNew_CorpusSizes(t *testing.T) {
	g := newTestGenerator(t)
	assert.GreaterOrEqual(t, len(g.text), 4096)
	assert.Len(t, g.bytes, 2048)
	assert.Len(t, g.compressible, compressibleSize)
	assert.Equal(t, strings.Repeat("a", compressibleSize), g.compressible)

	big, err := New(Config{RandomTextBufferSize: 20000, Seed: 1})
	require.NoError(t, err)
	assert.Len(t, big.compressible, 20000)
}

func TestResolve_RandomIntWithinBounds(t *testing.T) {
	g := newTestGenerator(t)
	schema, err := g.Compile(map[string]any{"x": map[string]any{"random-int": []any{-3, 3}}})
	require.NoError(t, err)

	seen := map[int64]bool{}
	for i := 0; i < 2000; i++ {
		doc, err := g.Build(schema)
		require.NoError(t, err)
		v := doc["x"].(int64)
		require.GreaterOrEqual(t, v, int64(-3))
		require.LessOrEqual(t, v, int64(3))
		seen[v] = true
	}
	// both endpoints are reachable
	assert.True(t, seen[-3])
	assert.True(t, seen[3])
}

func TestResolve_RandomFloatScale(t *testing.T) {
	g := newTestGenerator(t)
	schema, err := g.Compile(map[string]any{"f": map[string]any{"random-float": 10}})
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		doc, err := g.Build(schema)
		require.NoError(t, err)
		f := doc["f"].(float64)
		require.GreaterOrEqual(t, f, 0.0)
		require.Less(t, f, 10.0)
	}
}

func TestResolve_RandomTextAndBytesAreCorpusSlices(t *testing.T) {
	g := newTestGenerator(t)
	doc, err := g.Resolve(map[string]any{
		"text":  map[string]any{"random-text": 100},
		"bytes": map[string]any{"random-bytes": 64},
	})
	require.NoError(t, err)

	text := doc["text"].(string)
	assert.Len(t, text, 100)
	assert.Contains(t, g.text, text)

	b := doc["bytes"].([]byte)
	assert.Len(t, b, 64)
	assert.Contains(t, string(g.bytes), string(b))

	// the slice is a copy
	snapshot := append([]byte(nil), g.bytes...)
	b[0] ^= 0xff
	assert.Equal(t, snapshot, g.bytes)
}

func TestResolve_FullCorpusLength(t *testing.T) {
	g := newTestGenerator(t)
	doc, err := g.Resolve(map[string]any{"b": map[string]any{"random-bytes": 2048}})
	require.NoError(t, err)
	assert.Equal(t, g.bytes, doc["b"])
}

func TestResolve_NestedLength(t *testing.T) {
	g := newTestGenerator(t)
	schema, err := g.Compile(map[string]any{
		"t": map[string]any{"random-text": map[string]any{"random-int": []any{5, 10}}},
	})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		doc, err := g.Build(schema)
		require.NoError(t, err)
		n := len(doc["t"].(string))
		require.True(t, n >= 5 && n <= 10, "length %d", n)
	}
}

func TestResolve_NestedLengthOverrunAtBuild(t *testing.T) {
	g := newTestGenerator(t)
	schema, err := g.Compile(map[string]any{
		"b": map[string]any{"random-bytes": map[string]any{"random-list": []any{999999}}},
	})
	require.NoError(t, err)

	_, err = g.Build(schema)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "b.random-bytes", schemaErr.Path)
}

func TestResolve_IIBenchString(t *testing.T) {
	g := newTestGenerator(t)
	doc, err := g.Resolve(map[string]any{
		"s": map[string]any{"iibench-string": map[string]any{"length": 200, "percent-compressible": 25}},
	})
	require.NoError(t, err)

	s := doc["s"].(string)
	require.Len(t, s, 200)
	assert.Equal(t, strings.Repeat("a", 50), s[:50])
	assert.Contains(t, g.text, s[50:])
}

func TestResolve_DateOffset(t *testing.T) {
	g := newTestGenerator(t)
	before := time.Now().UTC()
	doc, err := g.Resolve(map[string]any{"d": map[string]any{"date": -3600}})
	require.NoError(t, err)

	d := doc["d"].(time.Time)
	assert.Equal(t, time.UTC, d.Location())
	assert.WithinDuration(t, before.Add(-time.Hour), d, 5*time.Second)
}

func TestResolve_UUIDsAreUnique(t *testing.T) {
	g := newTestGenerator(t)
	schema, err := g.Compile(map[string]any{
		"id":  map[string]any{"uuid": nil},
		"sid": map[string]any{"uuid-string": nil},
	})
	require.NoError(t, err)

	ids := map[uuid.UUID]bool{}
	sids := map[string]bool{}
	for i := 0; i < 1000; i++ {
		doc, err := g.Build(schema)
		require.NoError(t, err)
		ids[doc["id"].(uuid.UUID)] = true
		sid := doc["sid"].(string)
		_, err = uuid.Parse(sid)
		require.NoError(t, err)
		sids[sid] = true
	}
	assert.Len(t, ids, 1000)
	assert.Len(t, sids, 1000)
}

func TestResolve_ObjectsListsAndLiterals(t *testing.T) {
	g := newTestGenerator(t)
	doc, err := g.Resolve(map[string]any{
		"name": "fixed",
		"n":    json.Number("7"),
		"tags": []any{"a", map[string]any{"random-list": []any{"b"}}},
		"sub": map[string]any{"object": map[string]any{
			"flag": true,
			"Mixed": map[string]any{"random-int": []any{1, 1}},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "fixed", doc["name"])
	assert.Equal(t, int64(7), doc["n"])
	assert.Equal(t, []any{"a", "b"}, doc["tags"])
	assert.Equal(t, map[string]any{"flag": true, "Mixed": int64(1)}, doc["sub"])
}

func TestCompile_Errors(t *testing.T) {
	g := newTestGenerator(t)
	tests := map[string]struct {
		doc  map[string]any
		path string
	}{
		"unknown directive": {
			doc:  map[string]any{"x": map[string]any{"random-colour": 1}},
			path: "x",
		},
		"multi-key directive": {
			doc:  map[string]any{"x": map[string]any{"random-int": []any{1, 2}, "random-float": 1}},
			path: "x",
		},
		"text overrun": {
			doc:  map[string]any{"x": map[string]any{"random-text": 1 << 20}},
			path: "x.random-text",
		},
		"bytes overrun": {
			doc:  map[string]any{"x": map[string]any{"random-bytes": 2049}},
			path: "x.random-bytes",
		},
		"inverted bounds": {
			doc:  map[string]any{"x": map[string]any{"random-int": []any{5, 1}}},
			path: "x.random-int",
		},
		"uuid argument": {
			doc:  map[string]any{"x": map[string]any{"uuid": 4}},
			path: "x.uuid",
		},
		"empty list": {
			doc:  map[string]any{"x": map[string]any{"random-list": []any{}}},
			path: "x.random-list",
		},
		"nested in object": {
			doc:  map[string]any{"x": map[string]any{"object": map[string]any{"y": map[string]any{"bogus": 1}}}},
			path: "x.object.y",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := g.Compile(tc.doc)
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.Equal(t, tc.path, schemaErr.Path)
		})
	}
}

func TestBuild_ConcurrentUse(t *testing.T) {
	g := newTestGenerator(t)
	schema, err := g.Compile(map[string]any{
		"i": map[string]any{"random-int": []any{0, 100}},
		"t": map[string]any{"random-text": 32},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				doc, err := g.Build(schema)
				assert.NoError(t, err)
				assert.Len(t, doc["t"], 32)
			}
		}()
	}
	wg.Wait()
}
