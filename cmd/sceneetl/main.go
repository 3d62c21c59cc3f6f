// Command sceneetl imports scene editor and state documents into a relational
// store: it extracts every document's hierarchy, interns the shared field
// values into dimension tables and appends the rewritten fact rows.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sceneetl/internal/config"
	"sceneetl/internal/metrics"
	"sceneetl/internal/metrics/datadog"
	"sceneetl/internal/multitable"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "sceneetl/internal/storage/all"
)

const usageLine = "usage: sceneetl run|validate [--config path] [--editors dir] [--states dir] [--storage kind --dsn dsn]"

// runner is the part of *multitable.Runner the CLI depends on.
type runner interface {
	Run(ctx context.Context, p config.Pipeline) error
}

// metricsBackend is what the CLI needs from a metrics backend: a final flush.
type metricsBackend interface {
	Close() error
}

// appDeps are the side-effecting collaborators of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Pipeline, error)
	newRunner   func() runner
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
}

// Package-level seams used by initMetrics; tests swap them.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = func(b any) {
		mb, _ := b.(metrics.Backend)
		metrics.SetBackend(mb)
	}
	logPrintf = log.Printf
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newRunner:   func() runner { return multitable.NewDefaultRunner() },
		initMetrics: initMetrics,
	}
}

// usageError marks command line mistakes; they exit with code 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// cliOptions are the flags shared by run and validate.
type cliOptions struct {
	configPath     string
	editorsDir     string
	statesDir      string
	storageKind    string
	dsn            string
	metricsBackend string
	verbose        bool
}

// runMain executes the CLI and returns the process exit code:
// 0 on success, 2 on usage errors and 1 on every other failure.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "%v\n%s\n", err, usageLine)
		return 2
	}
	fmt.Fprintln(stderr, err)
	return 1
}

func newRootCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	var opts cliOptions

	root := &cobra.Command{
		Use:           "sceneetl",
		Short:         "Import scene editor and state documents into a relational store",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unknown command %q", args[0])}
			}
			return usageError{errors.New("missing command")}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "pipeline config (.yaml, .yml or .json); built-in families when empty")
	pf.StringVar(&opts.editorsDir, "editors", "", "directory of editor documents (overrides the editor family dir)")
	pf.StringVar(&opts.statesDir, "states", "", "directory of state documents (overrides the state family dir)")
	pf.StringVar(&opts.storageKind, "storage", "", "storage backend: postgres|sqlite|mssql (overrides config)")
	pf.StringVar(&opts.dsn, "dsn", "", "storage DSN (overrides config)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logs")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Import every document of every configured family",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd.Context(), opts, deps, stdout)
		},
	}
	runCmd.Flags().StringVar(&opts.metricsBackend, "metrics-backend", "", "metrics backend: none|datadog (default $METRICS_BACKEND, then none)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline configuration and exit",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(_ *cobra.Command, _ []string) error {
			return runValidate(opts, deps, stdout, stderr)
		},
	}

	root.AddCommand(runCmd, validateCmd)
	return root
}

func runImport(ctx context.Context, opts cliOptions, deps appDeps, stdout io.Writer) error {
	p, err := loadPipeline(opts, deps)
	if err != nil {
		return err
	}

	backendName := opts.metricsBackend
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}

	cleanup, err := deps.initMetrics(ctx, p.JobName(), backendName)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	start := time.Now()
	if opts.verbose {
		logPrintf("pipeline: job=%s storage=%s families=%d", p.JobName(), p.Storage.Kind, len(p.Families))
	}

	if err := deps.newRunner().Run(ctx, p); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if opts.verbose {
		logPrintf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	fmt.Fprintln(stdout, "ok")
	return nil
}

func runValidate(opts cliOptions, deps appDeps, stdout, stderr io.Writer) error {
	p, err := loadPipeline(opts, deps)
	if err != nil {
		return err
	}
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		return errors.New("configuration is invalid")
	}
	fmt.Fprintln(stdout, "ok")
	return nil
}

// loadPipeline reads --config (or the built-in default) and applies the
// directory and storage overrides.
func loadPipeline(opts cliOptions, deps appDeps) (config.Pipeline, error) {
	var p config.Pipeline
	if path := strings.TrimSpace(opts.configPath); path != "" {
		var err error
		p, err = deps.loadConfig(path)
		if err != nil {
			return config.Pipeline{}, fmt.Errorf("load config: %w", err)
		}
	} else {
		p = config.Default()
	}

	for i := range p.Families {
		switch p.Families[i].Name {
		case "editor":
			if opts.editorsDir != "" {
				p.Families[i].Dir = opts.editorsDir
			}
		case "state":
			if opts.statesDir != "" {
				p.Families[i].Dir = opts.statesDir
			}
		}
	}
	if opts.storageKind != "" {
		p.Storage.Kind = opts.storageKind
	}
	if opts.dsn != "" {
		p.Storage.DSN = opts.dsn
	}
	return p, nil
}

// initMetrics installs the named metrics backend and returns its cleanup.
// The cleanup is never nil and is safe to call even when err is non-nil.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	nop := func() {}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (none|datadog)", backendName)
	}
}
