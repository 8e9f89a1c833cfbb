// Package service provides lifecycle orchestration for the platform's
// components: inputs, the pipeline stages, and the outward-facing gateway
// are started in dependency order and stopped in reverse.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/health"
)

// Manager owns the lifecycle of every registered component.
type Manager struct {
	logger  *slog.Logger
	monitor *health.Monitor

	mu         sync.Mutex
	components []*component.Managed
	names      []string
	started    bool
}

// NewManager creates a component lifecycle manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "service-manager"),
		monitor: health.NewMonitor(),
	}
}

// Register adds a component. Registration order is start order; stop order
// is the reverse. Registering after StartAll is an error.
func (m *Manager) Register(name string, comp component.LifecycleComponent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "service-manager", "Register",
			"cannot register "+name+" after start")
	}
	for _, existing := range m.names {
		if existing == name {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "service-manager", "Register",
				"duplicate component name "+name)
		}
	}

	m.components = append(m.components, &component.Managed{
		Component:  comp,
		State:      component.StateCreated,
		StartOrder: len(m.components),
	})
	m.names = append(m.names, name)
	return nil
}

// StartAll initializes and starts every component in registration order.
// On failure, components already started are stopped in reverse before the
// error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	for i, managed := range m.components {
		name := m.names[i]
		lc, ok := component.AsLifecycleComponent(managed.Component)
		if !ok {
			return errors.WrapFatal(errors.ErrInvalidConfig, "service-manager", "StartAll",
				name+" does not implement the component lifecycle")
		}

		m.logger.Info("starting component", "name", name, "order", i)

		if err := lc.Initialize(); err != nil {
			managed.State = component.StateFailed
			managed.LastError = err
			m.stopStartedLocked(i, 10*time.Second)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		managed.State = component.StateInitialized

		childCtx, cancel := context.WithCancel(ctx)
		managed.Context = childCtx
		managed.Cancel = cancel

		if err := lc.Start(childCtx); err != nil {
			managed.State = component.StateFailed
			managed.LastError = err
			cancel()
			m.stopStartedLocked(i, 10*time.Second)
			return fmt.Errorf("start %s: %w", name, err)
		}
		managed.State = component.StateStarted
	}

	m.started = true
	m.logger.Info("all components started", "count", len(m.components))
	return nil
}

// StopAll stops every started component in reverse order. All stop errors
// are collected; a failing component never prevents the rest from
// stopping.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	m.started = false

	err := m.stopStartedLocked(len(m.components), timeout)
	m.logger.Info("all components stopped")
	return err
}

// stopStartedLocked stops components[0:upTo] in reverse order. Caller
// holds m.mu.
func (m *Manager) stopStartedLocked(upTo int, timeout time.Duration) error {
	var errs []error
	for i := upTo - 1; i >= 0; i-- {
		managed := m.components[i]
		if managed.State != component.StateStarted {
			continue
		}

		name := m.names[i]
		lc, _ := component.AsLifecycleComponent(managed.Component)

		m.logger.Info("stopping component", "name", name)
		if err := lc.Stop(timeout); err != nil {
			managed.State = component.StateFailed
			managed.LastError = err
			m.logger.Error("component stop failed", "name", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		} else {
			managed.State = component.StateStopped
		}
		if managed.Cancel != nil {
			managed.Cancel()
		}
	}
	return stderrors.Join(errs...)
}

// CheckHealth polls every component and refreshes the aggregate monitor.
func (m *Manager) CheckHealth() health.Status {
	m.mu.Lock()
	components := make([]*component.Managed, len(m.components))
	copy(components, m.components)
	names := make([]string, len(m.names))
	copy(names, m.names)
	m.mu.Unlock()

	for i, managed := range components {
		hs := managed.Component.Health()
		m.monitor.Update(names[i], health.FromComponentHealth(names[i], hs))
	}
	return m.monitor.AggregateHealth("sentinelstreams")
}

// Monitor returns the health monitor backing CheckHealth.
func (m *Manager) Monitor() *health.Monitor {
	return m.monitor
}

// States returns each component's lifecycle state by name.
func (m *Manager) States() map[string]component.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]component.State, len(m.components))
	for i, managed := range m.components {
		out[m.names[i]] = managed.State
	}
	return out
}
