package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/c360/sentinelstreams/errors"
)

// Loader reads the YAML config file, applies environment overrides, and
// watches the file for changes so rules and predictors can be hot-reloaded.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoader creates a Loader and performs the initial load. An empty path
// yields the default configuration with environment overrides applied.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		path:   path,
		logger: logger.With("component", "config"),
		done:   make(chan struct{}),
	}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. It is a no-op when the loader has no file path. Call Stop to
// clean up.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Loader", "Watch", "create watcher")
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return errors.WrapTransient(err, "Loader", "Watch",
			fmt.Sprintf("watch %s", l.path))
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						// Keep serving the previous config on a bad reload.
						l.logger.Warn("config reload failed, keeping previous config",
							"error", err)
					} else {
						l.logger.Info("config reloaded", "path", l.path)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()

	return nil
}

// Stop shuts down the file watcher.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Reload forces an immediate re-read of the config file and notifies
// registered callbacks.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "load",
				fmt.Sprintf("read config %s", l.path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "load",
				fmt.Sprintf("parse config %s", l.path))
		}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyRuleDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies SENTINEL_* environment variables on top of the
// file configuration. Connection-level settings and the consensus threshold
// are overridable; rules and predictors always come from the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_NATS_URL"); v != "" {
		cfg.NATS.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv("SENTINEL_MQTT_BROKER"); v != "" {
		cfg.Inputs.MQTT.BrokerURL = v
	}
	if v := os.Getenv("SENTINEL_MODBUS_ADDR"); v != "" {
		cfg.Inputs.Modbus.Address = v
	}
	if v := os.Getenv("SENTINEL_HTTP_LISTEN"); v != "" {
		cfg.Inputs.HTTPPush.ListenAddr = v
	}
	if v := os.Getenv("SENTINEL_GATEWAY_LISTEN"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("SENTINEL_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("SENTINEL_PCT_THRESHOLD"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Consensus.ConfidenceThreshold = threshold
		}
	}
	if v := os.Getenv("SENTINEL_ENVIRONMENT"); v != "" {
		cfg.Platform.Environment = v
	}
}
