// Command iterflow converts, caches and groups large data files as streams.
//
// Usage:
//
//	iterflow -in data.csv -out out.json [-cache-dir .cache/data -chunk-size 1000 -ref v1]
//	         [-group-by region] [-config iterflow.yaml] [-metrics-addr :9090]
//	iterflow -cache-dir .cache/data -cache-info
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gophersatwork/iterflow"
	"github.com/gophersatwork/iterflow/internal/config"
	"github.com/gophersatwork/iterflow/internal/logging"
	"github.com/gophersatwork/iterflow/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type cliFlags struct {
	configPath string
	cacheInfo  bool
}

// bindFlags registers every flag on fs, writing into cfg and cli.
func bindFlags(fs *flag.FlagSet, cfg *config.Config, cli *cliFlags) {
	fs.StringVar(&cli.configPath, "config", "", "YAML or TOML config file")
	fs.BoolVar(&cli.cacheInfo, "cache-info", false, "Show the state of -cache-dir and exit")

	fs.StringVar(&cfg.Input, "in", cfg.Input, "Input file (csv, json, xml or lines, optionally .gz/.zst)")
	fs.StringVar(&cfg.InputFormat, "in-format", cfg.InputFormat, "Input format, detected when empty")
	fs.StringVar(&cfg.Output, "out", cfg.Output, "Output file, stdout when empty")
	fs.StringVar(&cfg.OutputFormat, "out-format", cfg.OutputFormat, "Output format, from -out's extension when empty")
	fs.StringVar(&cfg.JSONPath, "json-path", cfg.JSONPath, "Path of the JSON values to read, e.g. data.items.*")
	fs.StringVar(&cfg.XMLTag, "xml-tag", cfg.XMLTag, "Name of the XML elements to read")
	fs.StringVar(&cfg.Delimiter, "delimiter", cfg.Delimiter, "CSV delimiter")

	fs.StringVar(&cfg.Cache.Dir, "cache-dir", cfg.Cache.Dir, "Cache folder, no caching when empty")
	fs.IntVar(&cfg.Cache.ChunkSize, "chunk-size", cfg.Cache.ChunkSize, "Items per cache chunk, 0 for a single file")
	fs.StringVar(&cfg.Cache.ReferenceID, "ref", cfg.Cache.ReferenceID, "Cache reference id, changes daily when empty")

	fs.StringVar(&cfg.Group.Field, "group-by", cfg.Group.Field, "Field to group records by")
	fs.IntVar(&cfg.Group.MaxItemsInMemory, "group-memory", cfg.Group.MaxItemsInMemory, "Group in memory holding at most this many records, 0 to spill to disk")
	fs.IntVar(&cfg.Group.MaxGroupSize, "group-size", cfg.Group.MaxGroupSize, "Largest in-memory group")
	fs.StringVar(&cfg.Group.TempDir, "temp-dir", cfg.Group.TempDir, "Directory for group-by spill files")
	fs.BoolVar(&cfg.Group.Compress, "compress-spill", cfg.Group.Compress, "Compress spilled records")

	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records per write batch")
	fs.IntVar(&cfg.Watermark, "watermark", cfg.Watermark, "Decoded records buffered before pausing the reader")
	fs.StringVar(&cfg.ProgressInterval, "progress", cfg.ProgressInterval, "Progress log interval")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.BoolVar(&cfg.Log.Development, "log-dev", cfg.Log.Development, "Human-readable logs")
	fs.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Serve Prometheus metrics on this address")
}

// loadConfig parses args twice: once to find -config, then over the loaded
// configuration so that explicit flags win over the file and the environment.
func loadConfig(fsys afero.Fs, args []string) (*config.Config, cliFlags, error) {
	var cli cliFlags
	scan := flag.NewFlagSet("iterflow", flag.ContinueOnError)
	bindFlags(scan, config.Default(), &cli)
	if err := scan.Parse(args); err != nil {
		return nil, cli, err
	}

	cfg, err := config.Load(fsys, cli.configPath)
	if err != nil {
		return nil, cli, err
	}

	apply := flag.NewFlagSet("iterflow", flag.ContinueOnError)
	bindFlags(apply, cfg, &cli)
	if err := apply.Parse(args); err != nil {
		return nil, cli, err
	}
	return cfg, cli, nil
}

func main() {
	fsys := afero.NewOsFs()

	cfg, cli, err := loadConfig(fsys, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if cli.cacheInfo {
		if err := showCacheInfo(fsys, cfg.Cache.Dir); err != nil {
			logger.Fatal("Failed to inspect cache", zap.Error(err))
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New(prometheus.DefaultRegisterer)
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	n, err := run(ctx, fsys, cfg, logger, m)
	if err != nil {
		logger.Fatal("Pipeline failed", zap.Error(err), zap.Int("written", n))
	}
	logger.Info("Pipeline finished",
		zap.Int("written", n),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", zap.Error(err))
	}
}

func showCacheInfo(fsys afero.Fs, dir string) error {
	if dir == "" {
		return errors.New("-cache-info needs -cache-dir")
	}
	info, err := iterflow.Inspect(fsys, dir)
	if err != nil {
		return err
	}

	fmt.Printf("Folder: %s\n", info.Folder)
	fmt.Printf("State: %s\n", info.State)
	fmt.Printf("Chunks: %d\n", info.Chunks)
	fmt.Printf("Size: %s\n", iterflow.FormatBytes(info.TotalSize))
	if info.Meta != nil {
		fmt.Printf("Items: %d\n", info.Meta.Items)
		fmt.Printf("Reference: %s\n", info.Meta.ReferenceID)
		fmt.Printf("Created: %s\n", info.Meta.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Shape: %s\n", info.Meta.Shape)
	}
	if info.Lock != nil {
		fmt.Printf("Locked since: %s (run %s)\n", info.Lock.Started.Format(time.RFC3339), info.Lock.RunID)
	}
	if info.Problem != nil {
		fmt.Printf("Problem: %v\n", info.Problem)
	}
	return nil
}
