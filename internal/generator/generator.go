package generator

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-loremipsum/loremipsum"
)

const compressibleSize = 10000

// SchemaError reports a document schema that cannot be resolved.
type SchemaError struct {
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "schema: " + e.Msg
	}
	return fmt.Sprintf("schema: %s: %s", e.Path, e.Msg)
}

type Config struct {
	RandomTextBufferSize  int
	RandomBytesBufferSize int
	// Seed fixes the random source; zero seeds from the clock.
	Seed int64
}

// Generator resolves document schemas into concrete documents. One Generator
// is shared by every thread of a worker process; the corpora are built once
// in New and never grow afterwards.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand

	text         string
	bytes        []byte
	compressible string
}

// New builds the text and byte corpora. It blocks until enough pseudo-text
// has been generated to fill RandomTextBufferSize.
func New(cfg Config) (*Generator, error) {
	if cfg.RandomTextBufferSize < 0 || cfg.RandomBytesBufferSize < 0 {
		return nil, fmt.Errorf("corpus sizes must not be negative")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	filler := compressibleSize
	if cfg.RandomTextBufferSize > filler {
		filler = cfg.RandomTextBufferSize
	}

	g := &Generator{
		rng:          rng,
		text:         buildText(seed, cfg.RandomTextBufferSize),
		bytes:        make([]byte, cfg.RandomBytesBufferSize),
		compressible: strings.Repeat("a", filler),
	}
	rng.Read(g.bytes)
	return g, nil
}

func buildText(seed int64, size int) string {
	if size == 0 {
		return ""
	}
	lorem := loremipsum.NewWithSeed(seed)
	var sb strings.Builder
	sb.Grow(size + 1024)
	for sb.Len() < size {
		sb.WriteString(lorem.Paragraph())
		sb.WriteByte(' ')
	}
	return sb.String()
}

// Resolve compiles and builds a document in one step.
func (g *Generator) Resolve(doc map[string]any) (map[string]any, error) {
	schema, err := g.Compile(doc)
	if err != nil {
		return nil, err
	}
	return g.Build(schema)
}

// Build produces a fresh document from a compiled schema. Nothing is cached
// between calls.
func (g *Generator) Build(s *Schema) (map[string]any, error) {
	v, err := s.root.resolve(g)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// --- Random source ---

func (g *Generator) int63n(n int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Int63n(n)
}

func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

func (g *Generator) float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

// --- Corpus slicing ---

func (g *Generator) textSlice(length int) (string, error) {
	if length < 0 || length > len(g.text) {
		return "", &SchemaError{Msg: fmt.Sprintf("random-text length %d exceeds corpus size %d", length, len(g.text))}
	}
	start := g.intn(len(g.text) - length + 1)
	return g.text[start : start+length], nil
}

func (g *Generator) byteSlice(length int) ([]byte, error) {
	if length < 0 || length > len(g.bytes) {
		return nil, &SchemaError{Msg: fmt.Sprintf("random-bytes length %d exceeds corpus size %d", length, len(g.bytes))}
	}
	start := g.intn(len(g.bytes) - length + 1)
	out := make([]byte, length)
	copy(out, g.bytes[start:start+length])
	return out, nil
}
