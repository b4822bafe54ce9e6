package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"docbench/internal/cli"
	"docbench/internal/config"
	"docbench/internal/database"
	"docbench/internal/metrics"
	"docbench/internal/report"
	"docbench/internal/runner"
	"docbench/internal/storage"
	"docbench/internal/tui"
)

const shutdownTimeout = time.Minute

// benchmark holds what every database's run shares.
type benchmark struct {
	cfg      runner.Config
	testcase map[string]any
	metrics  *metrics.Metrics
	history  *storage.Store
	formats  []report.Format
}

func runBenchmark(ctx context.Context, paths []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := config.Load(paths...)
	if err != nil {
		return err
	}
	b := &benchmark{testcase: file.TestcaseConfig(), metrics: metrics.New()}
	if b.cfg, err = runner.ParseConfig(b.testcase); err != nil {
		return err
	}
	for _, name := range viper.GetStringSlice("report-formats") {
		format, err := report.ParseFormat(name)
		if err != nil {
			return err
		}
		b.formats = append(b.formats, format)
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		go func() {
			if err := b.metrics.Serve(ctx, addr); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	if !viper.GetBool("no-history") {
		if b.history, err = openHistory(); err != nil {
			log.WithError(err).Warn("run history disabled")
		} else {
			defer b.history.Close()
		}
	}

	entries := file.DatabaseConfigs()
	if len(entries) == 0 {
		return errors.New("no databases configured")
	}
	var errs *multierror.Error
	for _, entry := range entries {
		db, err := database.New(entry)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !db.Enabled() {
			log.Infof("skipping disabled database %s", db.Name())
			continue
		}
		if err := b.runOn(ctx, db); err != nil {
			log.WithError(err).Errorf("testcase %s on %s failed", b.cfg.Name, db.Name())
			errs = multierror.Append(errs, errors.Wrap(err, db.Name()))
		}
		if ctx.Err() != nil {
			log.Warn("interrupted, skipping remaining databases")
			break
		}
	}
	return errs.ErrorOrNil()
}

func openHistory() (*storage.Store, error) {
	path := viper.GetString("history")
	if path == "" {
		var err error
		if path, err = storage.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return storage.Open(path)
}

// runOn starts db, runs the testcase against it, exports the results and
// shuts db down again, even when the run fails.
func (b *benchmark) runOn(ctx context.Context, db database.Database) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := db.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Errorf("shutting down %s", db.Name())
		}
	}()

	useTUI := viper.GetBool("tui")
	updates := make(runner.ProgressChan, 16)
	deps := runner.Deps{Metrics: b.metrics, Updates: updates}
	if !useTUI {
		deps.Console = os.Stdout
	}
	if b.cfg.WorkerMode == runner.WorkerModeSubprocess {
		launcher, err := runner.SelfLauncher(workerCmd.Name(), "--log-level", viper.GetString("log-level"))
		if err != nil {
			return err
		}
		launcher.Metrics = b.metrics
		deps.Launcher = launcher
	}

	tc := runner.NewTestcase(b.cfg, deps)
	title := db.Name() + " - " + b.cfg.Name
	target := db.URI()
	started := time.Now()

	var runErr error
	if useTUI {
		runErr = tui.RunTestcase(ctx, title, tc, updates, func(ctx context.Context) error {
			return tc.Run(ctx, target)
		})
	} else {
		cli.PrintHeader(os.Stdout, db.Name(), target, b.cfg)
		watchCtx, stopWatch := context.WithCancel(ctx)
		if viper.GetBool("progress") {
			go cli.Watch(watchCtx, os.Stderr, updates)
		}
		runErr = tc.Run(ctx, target)
		stopWatch()
	}

	// results are exported whether the run ended cleanly or not
	rep := report.Report{
		Database: db.Name(),
		Testcase: b.cfg.Name,
		Started:  started,
		Results:  tc.Results(),
		Summary:  tc.Summary(),
	}
	paths, err := report.Save(viper.GetString("results-path"), rep, b.formats...)
	if err != nil {
		log.WithError(err).Error("saving report")
	}
	for _, p := range paths {
		log.Infof("results saved to %s", p)
	}

	workerErrs := tc.Errors()
	cli.PrintSummary(os.Stdout, title, rep.Summary, paths, workerErrs)
	b.record(rep, paths, runErr, workerErrs)
	return runErr
}

func (b *benchmark) record(rep report.Report, paths []string, errs ...error) {
	if b.history == nil {
		return
	}
	rec := storage.RunRecord{
		Timestamp: rep.Started,
		Database:  rep.Database,
		Testcase:  rep.Testcase,
		Config:    b.testcase,
		Summary:   rep.Summary,
		Reports:   paths,
	}
	for _, err := range errs {
		if err == nil {
			continue
		}
		if merr, ok := err.(*multierror.Error); ok {
			for _, e := range merr.Errors {
				rec.Errors = append(rec.Errors, e.Error())
			}
			continue
		}
		rec.Errors = append(rec.Errors, err.Error())
	}
	if _, err := b.history.Save(rec); err != nil {
		log.WithError(err).Warn("recording run history")
	}
}
