package runner

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"docbench/internal/config"
	"docbench/internal/stats"
	"docbench/internal/workload"
)

const (
	WorkerModeSubprocess = "subprocess"
	WorkerModeInproc     = "inproc"

	StoreMongoDB = "mongodb"
	StoreMemory  = "memory"
)

// Config is a fully merged testcase.
type Config struct {
	Name                  string        `mapstructure:"name"`
	DBName                string        `mapstructure:"db-name"`
	ProcessCount          int           `mapstructure:"process-count"`
	ThreadsPerProcess     int           `mapstructure:"threads-per-process"`
	MaxIterations         int64         `mapstructure:"max-iterations"`
	MaxTimeSeconds        float64       `mapstructure:"max-time-seconds"`
	RandomTextBufferSize  int           `mapstructure:"random-text-buffer-size"`
	RandomBytesBufferSize int           `mapstructure:"random-bytes-buffer-size"`
	Rate                  float64       `mapstructure:"rate"`
	BatchMethod           string        `mapstructure:"batch-method"`
	BatchSize             int           `mapstructure:"batch-size"`
	StatsIntervalSeconds  float64       `mapstructure:"stats-interval-seconds"`
	StatsDumpDelaySeconds float64       `mapstructure:"stats-dump-delay-seconds"`
	WorkerMode            string        `mapstructure:"worker-mode"`
	JoinTimeoutSeconds    float64       `mapstructure:"join-timeout-seconds"`
	DoneCheckSingle       time.Duration `mapstructure:"done-check-interval-single"`
	DoneCheckBatch        time.Duration `mapstructure:"done-check-interval-batch"`
	SingleFlushInterval   time.Duration `mapstructure:"single-flush-interval"`
	Store                 string        `mapstructure:"store"`
	Seed                  int64         `mapstructure:"seed"`

	Spec workload.Spec `mapstructure:"-"`
}

func defaultConfig() Config {
	return Config{
		Name:                  "testcase",
		DBName:                "pybench",
		ProcessCount:          1,
		ThreadsPerProcess:     1,
		RandomTextBufferSize:  100000,
		RandomBytesBufferSize: 100000,
		StatsIntervalSeconds:  stats.DefaultInterval.Seconds(),
		StatsDumpDelaySeconds: stats.DefaultDumpDelay.Seconds(),
		WorkerMode:            WorkerModeSubprocess,
		JoinTimeoutSeconds:    30,
		DoneCheckSingle:       time.Second,
		DoneCheckBatch:        5 * time.Second,
		SingleFlushInterval:   200 * time.Millisecond,
		Store:                 StoreMongoDB,
	}
}

// ParseConfig decodes a merged testcase map, applies defaults and parses its
// sections.
func ParseConfig(testcase map[string]any) (Config, error) {
	cfg := defaultConfig()
	if err := config.Decode(testcase, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding testcase")
	}
	spec, err := workload.Parse(testcase, workload.Defaults{BatchMethod: cfg.BatchMethod, BatchSize: cfg.BatchSize})
	if err != nil {
		return Config{}, err
	}
	cfg.Spec = spec
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.ProcessCount < 1:
		return fmt.Errorf("process-count must be at least 1, got %d", c.ProcessCount)
	case c.ThreadsPerProcess < 1:
		return fmt.Errorf("threads-per-process must be at least 1, got %d", c.ThreadsPerProcess)
	case c.MaxIterations < 0 || c.MaxTimeSeconds < 0:
		return fmt.Errorf("max-iterations and max-time-seconds must not be negative")
	case c.Rate < 0:
		return fmt.Errorf("rate must not be negative, got %v", c.Rate)
	case c.WorkerMode != WorkerModeSubprocess && c.WorkerMode != WorkerModeInproc:
		return fmt.Errorf("unknown worker-mode %q", c.WorkerMode)
	case c.Store != StoreMongoDB && c.Store != StoreMemory:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	// Outside testing nothing sets the done flag, so writes need a bound.
	for _, section := range []workload.Section{workload.SectionStartup, workload.SectionCleanup} {
		for _, cmd := range c.Spec.Commands(section) {
			if cmd.Operation != workload.OpIndex && cmd.Count == 0 && c.MaxIterations == 0 {
				return &workload.ConfigError{Section: section, Command: cmd.Name, Msg: "needs a count outside the testing section"}
			}
		}
	}
	return nil
}

func (c Config) MaxTime() time.Duration {
	return time.Duration(c.MaxTimeSeconds * float64(time.Second))
}

func (c Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds * float64(time.Second))
}

func (c Config) AggregatorOptions() stats.Options {
	return stats.Options{
		Interval:      time.Duration(c.StatsIntervalSeconds * float64(time.Second)),
		DumpDelay:     time.Duration(c.StatsDumpDelaySeconds * float64(time.Second)),
		MaxIterations: c.MaxIterations,
		MaxTime:       c.MaxTime(),
	}
}

// Settings is the part of a Config a single worker process needs.
type Settings struct {
	DBName                string        `json:"db_name"`
	Store                 string        `json:"store"`
	Threads               int           `json:"threads"`
	Producers             int           `json:"producers"`
	MaxIterations         int64         `json:"max_iterations"`
	Rate                  float64       `json:"rate"`
	RandomTextBufferSize  int           `json:"random_text_buffer_size"`
	RandomBytesBufferSize int           `json:"random_bytes_buffer_size"`
	DoneCheckSingle       time.Duration `json:"done_check_single"`
	DoneCheckBatch        time.Duration `json:"done_check_batch"`
	SingleFlushInterval   time.Duration `json:"single_flush_interval"`
	Seed                  int64         `json:"seed"`
}

// Settings derives the settings of worker process n. Every process paces
// itself to its share of the aggregate rate.
func (c Config) Settings(n int) Settings {
	s := Settings{
		DBName:                c.DBName,
		Store:                 c.Store,
		Threads:               c.ThreadsPerProcess,
		Producers:             c.ProcessCount,
		MaxIterations:         c.MaxIterations,
		Rate:                  c.Rate,
		RandomTextBufferSize:  c.RandomTextBufferSize,
		RandomBytesBufferSize: c.RandomBytesBufferSize,
		DoneCheckSingle:       c.DoneCheckSingle,
		DoneCheckBatch:        c.DoneCheckBatch,
		SingleFlushInterval:   c.SingleFlushInterval,
	}
	if c.Seed != 0 {
		s.Seed = c.Seed + int64(n)
	}
	return s
}

// Job is everything a worker process needs to run one section.
type Job struct {
	Worker   int                `json:"worker"`
	Section  workload.Section   `json:"section"`
	Commands []workload.Command `json:"commands"`
	Target   string             `json:"target"`
	Settings Settings           `json:"settings"`
}

func (j Job) Label() string {
	return fmt.Sprintf("%s-%d", j.Section, j.Worker)
}

// TerminationTimeout reports a worker that did not stop within the join
// deadline after the run was done.
type TerminationTimeout struct {
	Worker  string
	Timeout time.Duration
}

func (e *TerminationTimeout) Error() string {
	return fmt.Sprintf("%s did not stop within %s; terminating it, partially applied batches may need manual cleanup", e.Worker, e.Timeout)
}
