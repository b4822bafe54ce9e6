// Package database manages the lifecycle of the servers a testcase runs
// against.
package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"docbench/internal/config"
)

const defaultPort = 27017

// Database is one configured entry of the databases list.
type Database interface {
	Name() string
	Enabled() bool
	Start(ctx context.Context) error
	URI() string
	Shutdown(ctx context.Context) error
}

// Config is a merged databases entry.
type Config struct {
	Name       string         `mapstructure:"name"`
	Disabled   bool           `mapstructure:"disabled"`
	ClearPaths bool           `mapstructure:"clear-paths"`
	URI        string         `mapstructure:"uri"`
	Binary     string         `mapstructure:"binary"`
	Options    map[string]any `mapstructure:"options"`
}

// New decodes an entry. Entries with a uri point at a server docbench does
// not manage.
func New(entry map[string]any) (Database, error) {
	var cfg Config
	if err := config.Decode(entry, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding database")
	}
	if cfg.Name == "" {
		return nil, errors.New("database entry has no name")
	}
	if cfg.URI != "" {
		return &External{cfg: cfg}, nil
	}
	if cfg.Binary == "" {
		cfg.Binary = "mongod"
	}
	return &Mongod{cfg: cfg, log: log.WithField("database", cfg.Name)}, nil
}

// External is an already running server.
type External struct {
	cfg Config
}

func (e *External) Name() string                   { return e.cfg.Name }
func (e *External) Enabled() bool                  { return !e.cfg.Disabled }
func (e *External) Start(context.Context) error    { return nil }
func (e *External) URI() string                    { return e.cfg.URI }
func (e *External) Shutdown(context.Context) error { return nil }

// Mongod starts and stops a local mongod.
type Mongod struct {
	cfg Config
	log *log.Entry

	mu   sync.Mutex
	proc *exec.Cmd
	wait chan error
}

func (m *Mongod) Name() string  { return m.cfg.Name }
func (m *Mongod) Enabled() bool { return !m.cfg.Disabled }

func (m *Mongod) URI() string {
	port := defaultPort
	if v, ok := m.cfg.Options["port"]; ok {
		port = 0
		if err := config.Decode(v, &port); err != nil || port == 0 {
			port = defaultPort
		}
	}
	return fmt.Sprintf("mongodb://localhost:%d/", port)
}

func (m *Mongod) option(key string) (string, bool) {
	v, ok := m.cfg.Options[key]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Args renders options as mongod flags in key order. Booleans become bare
// flags when true and are dropped when false.
func (m *Mongod) Args() []string {
	keys := make([]string, 0, len(m.cfg.Options))
	for k := range m.cfg.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		switch v := m.cfg.Options[k].(type) {
		case nil:
			args = append(args, "--"+k)
		case bool:
			if v {
				args = append(args, "--"+k)
			}
		default:
			args = append(args, "--"+k, fmt.Sprint(v))
		}
	}
	return args
}

func (m *Mongod) quiet() bool {
	_, ok := m.cfg.Options["quiet"]
	return ok
}

func (m *Mongod) forks() bool {
	v, ok := m.cfg.Options["fork"]
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	return !isBool || b
}

func (m *Mongod) output() io.Writer {
	if m.quiet() {
		return io.Discard
	}
	return os.Stdout
}

func (m *Mongod) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, m.cfg.Binary, args...)
	cmd.Stdout = m.output()
	cmd.Stderr = os.Stderr
	return cmd
}

// clearPaths removes the log file, pid file and data directory.
func (m *Mongod) clearPaths() error {
	m.log.Debug("clearing database paths")
	for _, key := range []string{"logpath", "pidfilepath"} {
		if path, ok := m.option(key); ok {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "clearing %s", key)
			}
		}
	}
	if dbpath, ok := m.option("dbpath"); ok {
		if err := os.RemoveAll(dbpath); err != nil {
			return errors.Wrap(err, "clearing dbpath")
		}
	}
	return nil
}

// Start launches mongod. With fork set, it returns once mongod has
// daemonized; otherwise the process stays a child until Shutdown.
func (m *Mongod) Start(ctx context.Context) error {
	if m.cfg.ClearPaths {
		if err := m.clearPaths(); err != nil {
			return err
		}
	}
	if dbpath, ok := m.option("dbpath"); ok {
		if err := os.MkdirAll(dbpath, 0o755); err != nil {
			return errors.Wrap(err, "creating dbpath")
		}
	}

	args := m.Args()
	m.log.Infof("starting database: %s %v", m.cfg.Binary, args)
	if m.forks() {
		if err := m.command(ctx, args...).Run(); err != nil {
			return errors.Wrapf(err, "starting %s", m.cfg.Name)
		}
		m.log.Infof("started %s", m.cfg.Name)
		return nil
	}

	// a foreground mongod must outlive the ctx of Start
	cmd := m.command(context.Background(), args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", m.cfg.Name)
	}
	wait := make(chan error, 1)
	go func() { wait <- cmd.Wait() }()

	m.mu.Lock()
	m.proc, m.wait = cmd, wait
	m.mu.Unlock()
	m.log.Infof("started %s (pid %d)", m.cfg.Name, cmd.Process.Pid)
	return nil
}

// ShutdownArgs are the flags of the mongod --shutdown invocation.
func (m *Mongod) ShutdownArgs() []string {
	args := []string{"--shutdown"}
	if dbpath, ok := m.option("dbpath"); ok {
		args = append(args, "--dbpath", dbpath)
	}
	if m.quiet() {
		args = append(args, "--quiet")
	}
	return args
}

// Shutdown stops mongod and waits for a foreground process to exit.
func (m *Mongod) Shutdown(ctx context.Context) error {
	args := m.ShutdownArgs()
	m.log.Debugf("shutting down database: %s %v", m.cfg.Binary, args)
	shutdownErr := m.command(ctx, args...).Run()

	m.mu.Lock()
	proc, wait := m.proc, m.wait
	m.proc, m.wait = nil, nil
	m.mu.Unlock()
	if proc != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			m.log.Warn("database did not stop in time, killing it")
			_ = proc.Process.Kill()
			<-wait
		}
	}
	if shutdownErr != nil {
		return errors.Wrapf(shutdownErr, "stopping %s", m.cfg.Name)
	}
	m.log.Infof("stopped %s", m.cfg.Name)
	return nil
}
