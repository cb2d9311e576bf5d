package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-aligner/internal/config"
	"github.com/fxnlabs/gpu-aligner/internal/driver"
	"github.com/fxnlabs/gpu-aligner/internal/gpu"
	"github.com/fxnlabs/gpu-aligner/internal/logger"
	"github.com/fxnlabs/gpu-aligner/internal/metrics"
	"github.com/fxnlabs/gpu-aligner/internal/results"
	"github.com/fxnlabs/gpu-aligner/internal/seqio"
)

// Exit codes besides the verification statuses (0 and -1..-4).
const (
	exitError = 1
	exitFatal = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitError
	app := &cli.App{
		Name:      "asynch_align",
		Usage:     "Align reference/query sequence pairs in batches on a GPU",
		ArgsUsage: "<reference_file> <query_file> <output_file> [<expected_results_file>]",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"ALIGNER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Compute backend: auto, cpu or cuda",
			},
			&cli.IntFlag{
				Name:  "device",
				Usage: "Device `ID` to run on",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Alignments per batch, 0 asks the capacity planner",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: tsv or json",
			},
			&cli.StringFlag{
				Name:  "metrics-address",
				Usage: "Serve Prometheus metrics on `ADDRESS`",
			},
			&cli.BoolFlag{
				Name:  "no-banner",
				Usage: "Do not print the banner",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 || c.NArg() > 4 {
				cli.ShowAppHelp(c)
				return fmt.Errorf("expected 3 or 4 arguments, got %d", c.NArg())
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			defer zapLogger.Sync()
			log := zapLogger.Named("asynch_align")

			if !c.Bool("no-banner") {
				fmt.Fprintln(stdout, figure.NewFigure("ASYNC ALIGN", "", true).String())
			}
			code = align(c.Context, cfg, c.Args().Slice(), log)
			return nil
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}

	if err := app.RunContext(ctx, args); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return code
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	if c.IsSet("backend") {
		cfg.Device.Backend = c.String("backend")
	}
	if c.IsSet("device") {
		cfg.Device.ID = c.Int("device")
	}
	if c.IsSet("batch-size") {
		cfg.Device.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("format") {
		cfg.Output.Format = c.String("format")
	}
	if c.IsSet("metrics-address") {
		cfg.Metrics.ListenAddress = c.String("metrics-address")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func align(ctx context.Context, cfg *config.Config, args []string, log *zap.Logger) int {
	refFile, queryFile, outFile := args[0], args[1], args[2]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if addr := cfg.Metrics.ListenAddress; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, log); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("reading reference and query files",
		zap.String("reference_file", refFile),
		zap.String("query_file", queryFile))
	pairs, err := seqio.ReadPairs(refFile, queryFile, seqio.Limits{
		MaxRefLen:   cfg.Alignment.MaxRefLen,
		MaxQueryLen: cfg.Alignment.MaxQueryLen,
	})
	if err != nil {
		log.Error("failed to read sequences", zap.Error(err))
		return exitError
	}
	if pairs.Skipped > 0 {
		log.Warn("skipped pairs longer than the configured maxima", zap.Int("skipped", pairs.Skipped))
	}

	manager, err := gpu.NewManager(log, cfg.Device.Backend, gpu.WithMemoryLimit(cfg.Device.MemoryLimit))
	if err != nil {
		log.Error("failed to select backend", zap.Error(err))
		return exitFatal
	}
	defer manager.Cleanup()
	dev, err := manager.OpenDevice(cfg.Device.ID)
	if err != nil {
		log.Error("failed to open device", zap.Int("device_id", cfg.Device.ID), zap.Error(err))
		return exitFatal
	}
	defer dev.Close()

	alignCfg, err := cfg.AlignmentConfig()
	if err != nil {
		log.Error("invalid alignment configuration", zap.Error(err))
		return exitError
	}

	rs, stats, err := driver.AlignAll(ctx, dev, alignCfg, pairs.Refs, pairs.Queries, driver.RunOptions{
		MaxRefLen:          cfg.Alignment.MaxRefLen,
		MaxQueryLen:        cfg.Alignment.MaxQueryLen,
		UtilizationPercent: cfg.Device.UtilizationPercent,
		BatchSize:          cfg.Device.BatchSize,
		Backend:            manager.GetBackendType(),
		Logger:             log,
	})
	if err != nil {
		return reportAlignError(log, err)
	}
	log.Info("alignments complete",
		zap.Int("alignments", rs.Len()),
		zap.Int("batches", stats.Batches),
		zap.Int("batch_size", stats.BatchSize),
		zap.Uint64("cpu_work", stats.CPUWork),
		results.Summarize(rs).Field())

	if err := writeResults(outFile, rs, cfg.Output.Format); err != nil {
		log.Error("failed to write results", zap.String("output_file", outFile), zap.Error(err))
		return exitError
	}
	log.Info("results written", zap.String("output_file", outFile))

	if len(args) < 4 {
		log.Info("no expected results file given, skipping correctness check")
		return 0
	}
	status := results.Verify(args[3], outFile)
	if status != results.Match {
		log.Error("correctness test failed",
			zap.String("expected_file", args[3]),
			zap.Stringer("status", status))
	} else {
		log.Info("correctness test passed", zap.String("expected_file", args[3]))
	}
	return int(status)
}

func reportAlignError(log *zap.Logger, err error) int {
	var derr *driver.Error
	if !errors.As(err, &derr) {
		log.Error("alignment failed", zap.Error(err))
		return exitError
	}
	fields := []zap.Field{
		zap.Stringer("kind", derr.Kind),
		zap.String("op", derr.Op),
		zap.String("file", derr.File),
		zap.Int("line", derr.Line),
		zap.Error(derr.Err),
	}
	if driver.IsFatal(err) {
		log.Error("fatal device error, aborting", fields...)
		return exitFatal
	}
	log.Error("alignment failed", fields...)
	return exitError
}

func writeResults(path string, rs *driver.ResultSet, format string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return results.Write(f, rs, format)
}
