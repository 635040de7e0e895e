// Shelfwatch monitors cold-storage shelf slots.
//
// It keeps a websocket session to the message broker, polls a REST
// snapshot endpoint as a fallback, optionally bridges a direct MQTT
// broker, and reduces the latest proximity and climate readings into a
// per-slot occupancy result served over a small status API.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	shelfwatch serve              Connect to every configured source
//	shelfwatch init [dir]         Write an example config.yaml
//	shelfwatch version            Print version and build information
//	shelfwatch -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/shelfwatch/internal/api"
	"github.com/nugget/shelfwatch/internal/buildinfo"
	"github.com/nugget/shelfwatch/internal/config"
	"github.com/nugget/shelfwatch/internal/events"
	"github.com/nugget/shelfwatch/internal/metrics"
	"github.com/nugget/shelfwatch/internal/monitor"
	"github.com/nugget/shelfwatch/internal/occupancy"
)

// shutdownTimeout bounds graceful shutdown of the status server.
const shutdownTimeout = 5 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx triggers graceful
// shutdown. Structured logs go to stdout. args is os.Args[1:], parsed by
// hand so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Shelfwatch - Cold Storage Shelf Monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: shelfwatch [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the broker and snapshot endpoint")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Shelfwatch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The startup banner uses the default logger; everything after this
	// point uses the configured level and format.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"unit_id", cfg.UnitID,
		"broker", cfg.Broker.URL,
		"snapshot", cfg.Snapshot.BaseURL,
		"mqtt", cfg.MQTT.Broker,
	)

	// --- Metrics ---
	// A private registry keeps parallel test runs from colliding on the
	// global default registerer.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	bus := events.New()

	// --- Monitor ---
	mon, err := monitor.New(cfg, monitor.Options{
		Logger:  logger,
		Events:  bus,
		Metrics: m,
		OnChange: func(res occupancy.Result) {
			logger.Info("occupancy changed",
				"slot1_occupied", res.Slot1Occupied,
				"slot2_occupied", res.Slot2Occupied,
			)
		},
	})
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mon.Start(ctx)
	defer mon.Stop()

	// --- Status API ---
	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Listen.Port > 0 {
		server = api.NewServer(api.Config{
			Address:   cfg.Listen.Address,
			Port:      cfg.Listen.Port,
			Occupancy: mon.Tracker(),
			Health:    mon.Health(),
			History:   mon.History(),
			Gatherer:  reg,
			Events:    bus,
			Logger:    logger,
		})
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		logger.Info("status server disabled (listen.port is 0)")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("status server failed: %w", err)
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
	}

	logger.Info("Shelfwatch stopped", "uptime", buildinfo.Uptime().String())
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
