// Package main implements the entry point for motionrouted, the router
// daemon that turns motion-capture streams into live parameter changes in
// a music application.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spacemonqi/ableton-mcp-extended/ableton"
	"github.com/spacemonqi/ableton-mcp-extended/api"
	"github.com/spacemonqi/ableton-mcp-extended/component"
	"github.com/spacemonqi/ableton-mcp-extended/input/mocap"
	"github.com/spacemonqi/ableton-mcp-extended/mappings"
	"github.com/spacemonqi/ableton-mcp-extended/message"
	"github.com/spacemonqi/ableton-mcp-extended/metric"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/buffer"
	"github.com/spacemonqi/ableton-mcp-extended/routing"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "motionrouted"
)

// ingestQueueCapacity bounds frames waiting for the engine. At 100Hz
// capture this is ten seconds of backlog; the drop-newest policy means a
// stalled engine sheds the stale frames, not the fresh ones.
const ingestQueueCapacity = 1024

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	store, err := mappings.NewStore(cliCfg.ConfigPath, cliCfg.StreamsCachePath(), slog.Default())
	if err != nil {
		return fmt.Errorf("load mapping document: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Mapping document is valid",
			"path", cliCfg.ConfigPath, "mappings", len(store.ListMappings()))
		return nil
	}

	registry := metric.NewMetricsRegistry()

	components, cleanup, err := buildComponents(cliCfg, store, registry)
	if err != nil {
		return err
	}
	defer cleanup()

	return runWithSignalHandling(components, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting motion router",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// namedComponent pairs a lifecycle component with its log name.
type namedComponent struct {
	name string
	component.Lifecycle
}

// buildComponents wires the full pipeline: listener -> queue -> engine ->
// sender, plus the document watcher and the control API. The returned
// cleanup closes the connection-holding pieces that are not lifecycle
// components.
func buildComponents(cliCfg *CLIConfig, store *mappings.Store, registry *metric.MetricsRegistry) ([]namedComponent, func(), error) {
	settings := store.Settings()

	mocapPort := settings.Int("mocap_port", 9877)
	abletonHost := settings.String("ableton_host", "localhost")
	abletonPort := settings.Int("ableton_port", 9878)
	abletonTCPPort := settings.Int("ableton_tcp_port", 9877)
	apiHost := settings.String("api_host", "0.0.0.0")
	apiPort := settings.Int("api_port", 9090)

	slog.Info("Router endpoints",
		"mocap_udp", fmt.Sprintf("%s:%d", cliCfg.BindHost, mocapPort),
		"target_udp", fmt.Sprintf("%s:%d", abletonHost, abletonPort),
		"target_tcp", fmt.Sprintf("%s:%d", abletonHost, abletonTCPPort),
		"control_api", fmt.Sprintf("%s:%d", apiHost, apiPort))

	senderMetrics, err := ableton.NewSenderMetrics(registry)
	if err != nil {
		return nil, nil, fmt.Errorf("register sender metrics: %w", err)
	}
	sender, err := ableton.NewSender(abletonHost, abletonPort, slog.Default(),
		ableton.WithSenderMetrics(senderMetrics))
	if err != nil {
		return nil, nil, fmt.Errorf("create parameter sender: %w", err)
	}

	clientMetrics, err := ableton.NewClientMetrics(registry)
	if err != nil {
		return nil, nil, fmt.Errorf("register client metrics: %w", err)
	}
	client := ableton.NewClient(abletonHost, abletonTCPPort, slog.Default(),
		ableton.WithClientMetrics(clientMetrics))

	queue, err := buffer.NewCircularBuffer[message.Batch](ingestQueueCapacity,
		buffer.WithOverflowPolicy[message.Batch](buffer.DropNewest),
		buffer.WithMetrics[message.Batch](registry, "ingest"))
	if err != nil {
		return nil, nil, fmt.Errorf("create ingestion queue: %w", err)
	}

	listener := mocap.NewListener(mocap.ListenerDeps{
		Port:            mocapPort,
		Bind:            cliCfg.BindHost,
		Queue:           queue,
		MetricsRegistry: registry,
		Logger:          slog.Default().With("component", "mocap-listener"),
	})

	sinks := []routing.SnapshotSink{
		routing.NewFileSink(cliCfg.StreamValuesPath(), slog.Default()),
	}
	var monitor *routing.NATSMonitor
	if url := settings.String("monitor_nats_url", ""); url != "" {
		monitor, err = routing.NewNATSMonitor(url,
			settings.String("monitor_nats_subject", ""), slog.Default())
		if err != nil {
			// The monitor is an optional extra; routing works without it.
			slog.Warn("Snapshot monitor unavailable", "url", url, "error", err)
		} else {
			sinks = append(sinks, monitor)
		}
	}

	engine := routing.NewEngine(routing.EngineDeps{
		Queue:           queue,
		Store:           store,
		Dispatcher:      sender,
		Sinks:           sinks,
		MetricsRegistry: registry,
		Logger:          slog.Default().With("component", "router-engine"),
	})

	watcher := mappings.NewWatcher(store, slog.Default().With("component", "config-watcher"))

	apiServer := api.NewServer(api.ServerDeps{
		Host:            apiHost,
		Port:            apiPort,
		Store:           store,
		Values:          engine,
		Commands:        client,
		MetricsRegistry: registry,
		Logger:          slog.Default().With("component", "control-api"),
	})

	// Start order: engine before listener so frames have a consumer; the
	// watcher and API are independent.
	components := []namedComponent{
		{"router-engine", engine},
		{"mocap-listener", listener},
		{"config-watcher", watcher},
		{"control-api", apiServer},
	}

	cleanup := func() {
		client.Close()
		_ = sender.Close()
		_ = queue.Close()
		if monitor != nil {
			monitor.Close()
		}
	}
	return components, cleanup, nil
}

// runWithSignalHandling starts all components and blocks until a shutdown
// signal, then stops them in reverse order.
func runWithSignalHandling(components []namedComponent, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.name, err)
		}
	}
	for _, c := range components {
		if err := c.Start(signalCtx); err != nil {
			stopComponents(components, shutdownTimeout)
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		slog.Info("Component started", "component", c.name)
	}

	slog.Info("Motion router running")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := stopComponents(components, shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Motion router shutdown complete")
	return nil
}

// stopComponents stops everything concurrently; each component tolerates
// being stopped before it started.
func stopComponents(components []namedComponent, timeout time.Duration) error {
	var g errgroup.Group
	for _, c := range components {
		g.Go(func() error {
			if err := c.Stop(timeout); err != nil {
				slog.Error("Component stop failed", "component", c.name, "error", err)
				return err
			}
			slog.Info("Component stopped", "component", c.name)
			return nil
		})
	}
	return g.Wait()
}
