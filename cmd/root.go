package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docbench/internal/banner"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docbench [config files...]",
	Short: "docbench - document database load generator",
	Long: `
docbench drives configurable insert and upsert workloads against MongoDB
(or an in-memory store) and reports interval throughput.

Configuration files are YAML or JSON and are merged in the order given,
later files taking precedence. Each enabled database runs the testcase once.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.Name() != workerCmd.Name())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBenchmark(cmd.Context(), args)
	},
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		_ = cmd.Usage()
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(workerCmd, historyCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "settings file (default is $HOME/.docbench.yaml)")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, error")
	pf.Bool("log-times", false, "prefix log lines with timestamps")
	pf.String("log-file", "docbench.log", "also write logs to this file (empty disables)")
	pf.String("history", "", "run history database (default is $HOME/.docbench/history.db)")

	f := rootCmd.Flags()
	f.String("results-path", ".", "directory for result reports")
	f.StringSlice("report-formats", []string{"text"}, "report formats to write: text, csv, json")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	f.Bool("tui", false, "show the interactive dashboard")
	f.Bool("progress", false, "print a live status line on stderr")
	f.Bool("no-history", false, "do not record runs in the history database")

	_ = viper.BindPFlags(pf)
	_ = viper.BindPFlags(f)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".docbench")
		}
	}
	viper.SetEnvPrefix("docbench")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using settings file %s", viper.ConfigFileUsed())
	}
}

// setupLogging configures the standard logrus logger. Workers log to stderr
// only: their stdout carries the orchestrator protocol.
func setupLogging(toStdout bool) error {
	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)
	logTimes := viper.GetBool("log-times")
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:    logTimes,
		DisableTimestamp: !logTimes,
	})

	if !toStdout {
		log.SetOutput(os.Stderr)
		return nil
	}

	var out []io.Writer
	if !viper.GetBool("tui") {
		out = append(out, os.Stdout)
	}
	if path := viper.GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		out = append(out, io.Discard)
	}
	log.SetOutput(io.MultiWriter(out...))
	return nil
}
