package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/config"
)

var version = "dev"

// Exit codes. A partial run still produces a report but is reported
// separately so scripts can tell it apart from a clean one.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitPartial = 3
)

const usage = `usage: speechrun <command> [flags] [args]

commands:
  run <file>                analyze a recording through the batch API
  resume <source-id> <file> continue an interrupted run without resubmitting
                            (-retry-failed resubmits failed, timed out and
                            abandoned chunks)
  stream <file>             analyze a recording over the streaming API
  watch                     run every recording dropped into INBOX_DIR
  serve                     serve job status over HTTP
  check                     verify tools, credentials and backends
`

// commonFlags are accepted by every command and map onto config.Overrides.
type commonFlags struct {
	envFile      string
	vendor       string
	logLevel     string
	httpAddr     string
	databaseURL  string
	jobStore     string
	resultDir    string
	concurrency  int
	cancelPolicy string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.envFile, "env", "", "path to .env file (default .env)")
	fs.StringVar(&c.vendor, "vendor", "", "batch backend: behavioral_signals or hume (overrides VENDOR)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	fs.StringVar(&c.httpAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	fs.StringVar(&c.databaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	fs.StringVar(&c.jobStore, "job-store", "", "file or postgres (overrides JOB_STORE)")
	fs.StringVar(&c.resultDir, "result-dir", "", "result directory (overrides RESULT_DIR)")
	fs.IntVar(&c.concurrency, "concurrency", 0, "chunks processed in parallel (overrides CONCURRENCY)")
	fs.StringVar(&c.cancelPolicy, "cancel-policy", "", "drain or abandon (overrides CANCEL_POLICY)")
}

func (c *commonFlags) overrides() config.Overrides {
	return config.Overrides{
		EnvFile:      c.envFile,
		Vendor:       c.vendor,
		HTTPAddr:     c.httpAddr,
		LogLevel:     c.logLevel,
		DatabaseURL:  c.databaseURL,
		JobStore:     c.jobStore,
		ResultDir:    c.resultDir,
		Concurrency:  c.concurrency,
		CancelPolicy: c.cancelPolicy,
	}
}

type command func(ctx context.Context, a *app, args []string) int

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}
	name, rest := argv[0], argv[1:]

	cmds := map[string]command{
		"run":    cmdRun,
		"resume": cmdResume,
		"stream": cmdStream,
		"watch":  cmdWatch,
		"serve":  cmdServe,
		"check":  cmdCheck,
	}
	cmd, ok := cmds[name]
	if !ok {
		if name != "-h" && name != "--help" && name != "help" {
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		}
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	sourceID := fs.String("source", "", "source id (run only; default is the file name)")
	retryFailed := fs.Bool("retry-failed", false, "resubmit failed, timed out and abandoned chunks (resume only)")
	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}

	// Config
	cfg, err := config.Load(common.overrides())
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		return exitFailure
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitFailure
	}
	log.Info().Str("version", version).Str("command", name).Msg("speechrun starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, log)
	defer a.close()
	a.sourceID = *sourceID
	a.retryFailed = *retryFailed
	a.startTime = time.Now()

	code := cmd(ctx, a, fs.Args())
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Info().Msg("shutdown signal received")
	}
	log.Info().Int("exit_code", code).Msg("speechrun stopped")
	return code
}
