package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ticktockdb/ticktock/internal/config"
	"github.com/ticktockdb/ticktock/internal/logging"
	"github.com/ticktockdb/ticktock/internal/storage"
	"github.com/ticktockdb/ticktock/internal/tsdb"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
)

// overrideFlags collects repeated -o key=value options.
type overrideFlags []string

func (o *overrideFlags) String() string { return strings.Join(*o, ",") }
func (o *overrideFlags) Set(v string) error {
	*o = append(*o, v)
	return nil
}

func main() {
	configPath := flag.String("config", "ticktock.conf", "Path to configuration file")
	var overrides overrideFlags
	flag.Var(&overrides, "o", "Config override, key=value (repeatable)")
	flag.Parse()

	cfg := config.NewStore(*configPath, logging.Global())
	for _, kv := range overrides {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			fmt.Fprintf(os.Stderr, "Invalid override %q, expected key=value\n", kv)
			os.Exit(1)
		}
		cfg.AddOverride(key, value)
	}
	if err := cfg.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	defer cfg.Close()

	output := "stdout"
	if cfg.Exists(config.KeyLogFile) || cfg.Exists(config.KeyTicktockHome) {
		output = cfg.LogFile()
	}
	logger, err := logging.NewFromConfig(logging.Config{
		Level:      cfg.GetStrDefault(config.KeyLogLevel, "info"),
		Format:     "json",
		OutputPath: output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("TickTock starting...", "version", Version, "commit", GitCommit)

	epoch, err := tsdb.NewEpoch(cfg, currentEpochRange(cfg), logger)
	if err != nil {
		logger.Fatal("Failed to open epoch", "error", err)
	}

	if recovered, err := epoch.RecoverAppendLog(0); err != nil {
		logger.Warn("append log recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered samples from append log", "count", recovered)
	}

	flushEvery := cfg.GetTimeDefault(config.KeyFlushFrequency, config.TimeUnitSecond, config.DefaultFlushFrequency)
	ticker := time.NewTicker(time.Duration(flushEvery) * time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			epoch.Flush(false)
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			if err := epoch.Close(); err != nil {
				logger.Error("shutdown incomplete", "error", err)
				os.Exit(1)
			}
			return
		}
	}
}

// currentEpochRange returns today's UTC day window in the configured
// timestamp resolution.
func currentEpochRange(cfg *config.Store) storage.TimeRange {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := uint64(start.Unix())
	to := uint64(start.Add(24 * time.Hour).Unix())
	if cfg.ResolutionMS() {
		from *= 1000
		to *= 1000
	}
	return storage.NewTimeRange(from, to)
}
