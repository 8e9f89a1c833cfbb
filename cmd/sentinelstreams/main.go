// Package main implements the entry point for the SentinelStreams
// platform: industrial telemetry flows in through protocol adapters, gets
// routed and evaluated against threshold rules, candidates are validated
// by predictor consensus, and approved incidents are persisted and
// broadcast to websocket subscribers.
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

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sentinelstreams/bus"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/consensus"
	"github.com/c360/sentinelstreams/gateway"
	"github.com/c360/sentinelstreams/input/httppush"
	"github.com/c360/sentinelstreams/input/modbus"
	"github.com/c360/sentinelstreams/input/mqtt"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/natsclient"
	"github.com/c360/sentinelstreams/router"
	"github.com/c360/sentinelstreams/rule"
	"github.com/c360/sentinelstreams/service"
	"github.com/c360/sentinelstreams/store"
	"github.com/c360/sentinelstreams/types"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "sentinelstreams"
)

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
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	loader, err := config.NewLoader(cliCfg.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer loader.Stop()
	cfg := loader.Config()

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	registry := metric.NewRegistry()

	ctx := context.Background()

	incidentStore, natsClient, err := setupStore(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() {
			if err := natsClient.Close(ctx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
		}()
	}

	manager := service.NewManager(logger)

	// Approved incidents replicate onto the JetStream event bus when one is
	// configured; resolve commands flow back through it into the store.
	var eventBus *bus.EventBus
	if natsClient != nil && cfg.Events.Enabled {
		eventBus = bus.New(bus.Deps{
			Config:          cfg.Events,
			Broker:          natsClient,
			Resolver:        incidentStore,
			MetricsRegistry: registry,
			Logger:          logger,
		})
	}

	// The gateway serves the validator's stats and the validator publishes
	// through the gateway; declare first so both closures can capture it.
	var gw *gateway.Gateway

	validator := consensus.New(consensus.Deps{
		Config: cfg.Consensus,
		Sink: consensus.IncidentSinkFunc(func(incident types.Incident) {
			if err := incidentStore.Append(ctx, incident); err != nil {
				logger.Error("incident append failed",
					"incident_id", incident.IncidentID, "error", err)
			}
			gw.Publish(incident)
			if eventBus != nil {
				eventBus.Publish(incident)
			}
		}),
		MetricsRegistry: registry,
		Logger:          logger,
	})

	gw = gateway.New(gateway.Deps{
		Config:          cfg.Gateway,
		Store:           incidentStore,
		Stats:           validator,
		Health:          manager,
		MetricsRegistry: registry,
		Logger:          logger,
	})

	engine := rule.New(rule.Deps{
		Rules:           cfg.Rules,
		Sink:            validator,
		MetricsRegistry: registry,
		Logger:          logger,
	})

	ingestRouter := router.New(router.Deps{
		Config:          cfg.Router,
		Handler:         engine,
		MetricsRegistry: registry,
		Logger:          logger,
	})

	if err := manager.Register("gateway", gw); err != nil {
		return err
	}
	if eventBus != nil {
		if err := manager.Register("event-bus", eventBus); err != nil {
			return err
		}
	}
	if err := manager.Register("consensus", validator); err != nil {
		return err
	}
	if err := manager.Register("rules", engine); err != nil {
		return err
	}
	if err := manager.Register("router", ingestRouter); err != nil {
		return err
	}

	if cfg.Inputs.MQTT.Enabled {
		in := mqtt.NewInput(mqtt.InputDeps{
			Name:            "mqtt-input",
			Config:          cfg.Inputs.MQTT,
			Sink:            ingestRouter,
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err := manager.Register("mqtt-input", in); err != nil {
			return err
		}
	}
	if cfg.Inputs.Modbus.Enabled {
		in := modbus.NewInput(modbus.InputDeps{
			Name:            "modbus-input",
			Config:          cfg.Inputs.Modbus,
			Sink:            ingestRouter,
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err := manager.Register("modbus-input", in); err != nil {
			return err
		}
	}
	if cfg.Inputs.HTTPPush.Enabled {
		in := httppush.NewInput(httppush.InputDeps{
			Name:            "httppush-input",
			Config:          cfg.Inputs.HTTPPush,
			Sink:            ingestRouter,
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err := manager.Register("httppush-input", in); err != nil {
			return err
		}
	}

	// Hot-reload rules and predictors when the config file changes.
	loader.OnChange(func(updated *config.Config) {
		if err := engine.Reload(updated.Rules); err != nil {
			logger.Error("rule reload failed", "error", err)
		}
		if err := validator.Reload(updated.Consensus); err != nil {
			logger.Error("consensus reload failed", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				logger.Warn("metrics server stop failed", "error", err)
			}
		}()
	}

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	// Periodic aggregate health sweep; the gateway serves the same
	// aggregate on /healthz on demand.
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-healthCtx.Done():
				return
			case <-ticker.C:
				if status := manager.CheckHealth(); !status.IsHealthy() {
					logger.Warn("platform degraded",
						"level", status.Level, "message", status.Message)
				}
			}
		}
	}()

	logger.Info("platform running",
		"gateway", cfg.Gateway.ListenAddr,
		"rules", len(cfg.Rules),
		"predictors", len(cfg.Consensus.Predictors),
		"store", cfg.Store.Mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	if err := manager.StopAll(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// setupStore builds the configured incident store, connecting to NATS when
// the KV mode is selected.
func setupStore(ctx context.Context, cfg *config.Config, registry *metric.Registry, logger *slog.Logger) (store.Store, *natsclient.Client, error) {
	if cfg.Store.Mode != config.StorageModeKV {
		return store.NewMemoryStore(cfg.Store.MaxIncidents), nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()))
	}

	client, err := natsclient.NewClient(cfg.NATS.URLs, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		return nil, nil, fmt.Errorf("wait for NATS: %w", err)
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Store.Bucket,
		Description: "SentinelStreams incident store",
		History:     1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create incident bucket: %w", err)
	}

	return store.NewKVIncidentStore(client.NewKVStore(bucket)), client, nil
}
