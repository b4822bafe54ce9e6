package generator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Directive names a value generator in a document schema.
type Directive string

const (
	RandomInt     Directive = "random-int"
	RandomFloat   Directive = "random-float"
	RandomList    Directive = "random-list"
	IIBenchString Directive = "iibench-string"
	RandomText    Directive = "random-text"
	RandomBytes   Directive = "random-bytes"
	Date          Directive = "date"
	UUID          Directive = "uuid"
	UUIDString    Directive = "uuid-string"
	Object        Directive = "object"
)

type compileFunc func(g *Generator, path string, arg any) (node, error)

var directives map[Directive]compileFunc

func init() {
	directives = map[Directive]compileFunc{
		RandomInt:     compileRandomInt,
		RandomFloat:   compileRandomFloat,
		RandomList:    compileRandomList,
		IIBenchString: compileIIBench,
		RandomText:    compileRandomText,
		RandomBytes:   compileRandomBytes,
		Date:          compileDate,
		UUID:          compileUUID(false),
		UUIDString:    compileUUID(true),
		Object:        compileObjectDirective,
	}
}

// Schema is a compiled document schema. It is immutable and may be built
// concurrently.
type Schema struct {
	root *objectNode
}

// Compile validates a document schema against this generator's corpora.
// Unknown directives, directive objects with more than one key and slice
// lengths that can never fit the corpora are rejected here.
func (g *Generator) Compile(doc map[string]any) (*Schema, error) {
	root, err := compileObject(g, "", doc)
	if err != nil {
		return nil, err
	}
	return &Schema{root: root}, nil
}

type node interface {
	resolve(g *Generator) (any, error)
}

func compileValue(g *Generator, path string, v any) (node, error) {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return literalNode{v: val}, nil
	case json.Number:
		return literalNode{v: normalizeNumber(val)}, nil
	case []any:
		items := make([]node, len(val))
		for i, item := range val {
			n, err := compileValue(g, fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			items[i] = n
		}
		return listNode{items: items}, nil
	case map[string]any:
		return compileDirective(g, path, val)
	default:
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("unsupported value of type %T", v)}
	}
}

func compileDirective(g *Generator, path string, obj map[string]any) (node, error) {
	if len(obj) != 1 {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("directive object must have exactly one key, got %v", keys)}
	}
	for key, arg := range obj {
		compile, ok := directives[Directive(key)]
		if !ok {
			return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("unknown directive %q", key)}
		}
		return compile(g, path+"."+key, arg)
	}
	panic("unreachable")
}

func compileObject(g *Generator, path string, doc map[string]any) (*objectNode, error) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	obj := &objectNode{fields: make([]field, 0, len(doc))}
	for _, name := range names {
		fieldPath := name
		if path != "" {
			fieldPath = path + "." + name
		}
		n, err := compileValue(g, fieldPath, doc[name])
		if err != nil {
			return nil, err
		}
		obj.fields = append(obj.fields, field{name: name, value: n})
	}
	return obj, nil
}

// --- Directive compilers ---

func compileRandomInt(_ *Generator, path string, arg any) (node, error) {
	bounds, ok := arg.([]any)
	if !ok || len(bounds) != 2 {
		return nil, &SchemaError{Path: path, Msg: "expects [lo, hi]"}
	}
	lo, err := toInt64(bounds[0])
	if err != nil {
		return nil, &SchemaError{Path: path, Msg: err.Error()}
	}
	hi, err := toInt64(bounds[1])
	if err != nil {
		return nil, &SchemaError{Path: path, Msg: err.Error()}
	}
	if lo > hi {
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("lo %d is greater than hi %d", lo, hi)}
	}
	return randomIntNode{lo: lo, hi: hi}, nil
}

func compileRandomFloat(_ *Generator, path string, arg any) (node, error) {
	scale, err := toFloat64(arg)
	if err != nil {
		return nil, &SchemaError{Path: path, Msg: err.Error()}
	}
	return randomFloatNode{scale: scale}, nil
}

func compileRandomList(_ *Generator, path string, arg any) (node, error) {
	items, ok := arg.([]any)
	if !ok || len(items) == 0 {
		return nil, &SchemaError{Path: path, Msg: "expects a non-empty list"}
	}
	out := make([]any, len(items))
	for i, item := range items {
		if n, ok := item.(json.Number); ok {
			out[i] = normalizeNumber(n)
			continue
		}
		out[i] = item
	}
	return randomListNode{items: out}, nil
}

func compileIIBench(g *Generator, path string, arg any) (node, error) {
	params, ok := arg.(map[string]any)
	if !ok {
		return nil, &SchemaError{Path: path, Msg: "expects {length, percent-compressible}"}
	}
	length, err := toInt64(params["length"])
	if err != nil {
		return nil, &SchemaError{Path: path + ".length", Msg: err.Error()}
	}
	percent, err := toFloat64(params["percent-compressible"])
	if err != nil {
		return nil, &SchemaError{Path: path + ".percent-compressible", Msg: err.Error()}
	}
	if length < 0 || percent < 0 || percent > 100 {
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("invalid length %d or percent %v", length, percent)}
	}
	compress := int(percent / 100 * float64(length))
	n := iibenchNode{compress: compress, text: int(length) - compress}
	if n.text > len(g.text) || n.compress > len(g.compressible) {
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("length %d exceeds corpus size %d", length, len(g.text))}
	}
	return n, nil
}

func compileRandomText(g *Generator, path string, arg any) (node, error) {
	length, err := compileLength(g, path, arg, len(g.text))
	if err != nil {
		return nil, err
	}
	return randomTextNode{length: length, path: path}, nil
}

func compileRandomBytes(g *Generator, path string, arg any) (node, error) {
	length, err := compileLength(g, path, arg, len(g.bytes))
	if err != nil {
		return nil, err
	}
	return randomBytesNode{length: length, path: path}, nil
}

// compileLength accepts a literal length, checked against the corpus now, or
// a nested directive, checked on every resolve.
func compileLength(g *Generator, path string, arg any, corpus int) (node, error) {
	if _, nested := arg.(map[string]any); nested {
		return compileValue(g, path, arg)
	}
	length, err := toInt64(arg)
	if err != nil {
		return nil, &SchemaError{Path: path, Msg: err.Error()}
	}
	if length < 0 || length > int64(corpus) {
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("length %d exceeds corpus size %d", length, corpus)}
	}
	return literalNode{v: length}, nil
}

func compileDate(g *Generator, path string, arg any) (node, error) {
	if _, nested := arg.(map[string]any); nested {
		offset, err := compileValue(g, path, arg)
		if err != nil {
			return nil, err
		}
		return dateNode{offset: offset, path: path}, nil
	}
	if _, err := toFloat64(arg); err != nil {
		return nil, &SchemaError{Path: path, Msg: err.Error()}
	}
	return dateNode{offset: literalNode{v: arg}, path: path}, nil
}

func compileUUID(asString bool) compileFunc {
	return func(_ *Generator, path string, arg any) (node, error) {
		if arg != nil {
			return nil, &SchemaError{Path: path, Msg: "takes no arguments"}
		}
		return uuidNode{asString: asString}, nil
	}
}

func compileObjectDirective(g *Generator, path string, arg any) (node, error) {
	doc, ok := arg.(map[string]any)
	if !ok {
		return nil, &SchemaError{Path: path, Msg: "expects a mapping of field to value"}
	}
	return compileObject(g, path, doc)
}

// --- Nodes ---

type literalNode struct{ v any }

func (n literalNode) resolve(*Generator) (any, error) { return n.v, nil }

type field struct {
	name  string
	value node
}

type objectNode struct{ fields []field }

func (n *objectNode) resolve(g *Generator) (any, error) {
	doc := make(map[string]any, len(n.fields))
	for _, f := range n.fields {
		v, err := f.value.resolve(g)
		if err != nil {
			return nil, err
		}
		doc[f.name] = v
	}
	return doc, nil
}

type listNode struct{ items []node }

func (n listNode) resolve(g *Generator) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.resolve(g)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type randomIntNode struct{ lo, hi int64 }

func (n randomIntNode) resolve(g *Generator) (any, error) {
	span := n.hi - n.lo + 1
	if span <= 0 {
		// the full int64 range overflows the span
		g.mu.Lock()
		defer g.mu.Unlock()
		return int64(g.rng.Uint64()), nil
	}
	return n.lo + g.int63n(span), nil
}

type randomFloatNode struct{ scale float64 }

func (n randomFloatNode) resolve(g *Generator) (any, error) {
	return g.float64() * n.scale, nil
}

type randomListNode struct{ items []any }

func (n randomListNode) resolve(g *Generator) (any, error) {
	return n.items[g.intn(len(n.items))], nil
}

type iibenchNode struct{ compress, text int }

func (n iibenchNode) resolve(g *Generator) (any, error) {
	text, err := g.textSlice(n.text)
	if err != nil {
		return nil, err
	}
	return g.compressible[:n.compress] + text, nil
}

type randomTextNode struct {
	length node
	path   string
}

func (n randomTextNode) resolve(g *Generator) (any, error) {
	length, err := resolveInt(g, n.length, n.path)
	if err != nil {
		return nil, err
	}
	s, err := g.textSlice(int(length))
	if err != nil {
		err.(*SchemaError).Path = n.path
	}
	return s, err
}

type randomBytesNode struct {
	length node
	path   string
}

func (n randomBytesNode) resolve(g *Generator) (any, error) {
	length, err := resolveInt(g, n.length, n.path)
	if err != nil {
		return nil, err
	}
	b, err := g.byteSlice(int(length))
	if err != nil {
		err.(*SchemaError).Path = n.path
		return nil, err
	}
	return b, nil
}

type dateNode struct {
	offset node
	path   string
}

func (n dateNode) resolve(g *Generator) (any, error) {
	v, err := n.offset.resolve(g)
	if err != nil {
		return nil, err
	}
	seconds, err := toFloat64(v)
	if err != nil {
		return nil, &SchemaError{Path: n.path, Msg: err.Error()}
	}
	return time.Now().UTC().Add(time.Duration(seconds * float64(time.Second))), nil
}

type uuidNode struct{ asString bool }

func (n uuidNode) resolve(*Generator) (any, error) {
	id := uuid.New()
	if n.asString {
		return id.String(), nil
	}
	return id, nil
}

// --- Numeric coercion ---

func resolveInt(g *Generator, n node, path string) (int64, error) {
	v, err := n.resolve(g)
	if err != nil {
		return 0, err
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, &SchemaError{Path: path, Msg: err.Error()}
	}
	return i, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
