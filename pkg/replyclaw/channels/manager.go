package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Manager holds the registered drivers and routes polling and delivery.
// The agent talks to the Manager, never to a concrete driver.
type Manager struct {
	drivers map[string]Driver
	order   []string
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewManager creates an empty driver registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		drivers: make(map[string]Driver),
		logger:  logger.With("component", "channels"),
	}
}

// Register adds a driver to the registry. Registering two drivers under the
// same name is an error.
func (m *Manager) Register(d Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := d.Name()
	if _, exists := m.drivers[name]; exists {
		return fmt.Errorf("driver %q already registered", name)
	}
	m.drivers[name] = d
	m.order = append(m.order, name)

	m.logger.Info("driver registered", "driver", name)
	return nil
}

// Get returns the driver registered under name.
func (m *Manager) Get(name string) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[name]
	return d, ok
}

// Names returns the registered driver names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// ConnectAll connects every registered driver. A driver that fails to
// connect is logged and skipped; the error return is non-nil only when no
// driver came up at all.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	if len(names) == 0 {
		return fmt.Errorf("no drivers registered")
	}

	var failed []string
	for _, name := range names {
		d, _ := m.Get(name)
		if err := d.Connect(ctx); err != nil {
			m.logger.Error("driver failed to connect", "driver", name, "error", err)
			failed = append(failed, name)
			continue
		}
		m.logger.Info("driver connected", "driver", name)
	}

	if len(failed) == len(names) {
		return fmt.Errorf("all drivers failed to connect: %s", strings.Join(failed, ", "))
	}
	return nil
}

// DisconnectAll disconnects every registered driver.
func (m *Manager) DisconnectAll() {
	for _, name := range m.Names() {
		d, _ := m.Get(name)
		if err := d.Disconnect(); err != nil {
			m.logger.Warn("driver disconnect error", "driver", name, "error", err)
		}
	}
}

// PollUnread collects unread messages from every connected driver, oldest
// first per driver, in registration order. Messages from healthy drivers are
// returned even when another driver's poll fails; the combined error reports
// which drivers failed.
func (m *Manager) PollUnread(ctx context.Context) ([]Message, error) {
	var (
		msgs   []Message
		failed []string
	)

	for _, name := range m.Names() {
		d, _ := m.Get(name)
		if !d.IsConnected() {
			continue
		}
		batch, err := d.PollUnread(ctx)
		if err != nil {
			m.logger.Warn("poll failed", "driver", name, "error", err)
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		msgs = append(msgs, batch...)
	}

	if len(failed) > 0 {
		return msgs, fmt.Errorf("polling: %s", strings.Join(failed, "; "))
	}
	return msgs, nil
}

// Deliver routes reply text to the named driver.
func (m *Manager) Deliver(ctx context.Context, channel, contact, text string) error {
	d, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDriverNotFound, channel)
	}
	return d.Deliver(ctx, contact, text)
}

// Health returns the health status of every registered driver, keyed by name.
func (m *Manager) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for _, name := range m.Names() {
		d, _ := m.Get(name)
		out[name] = d.Health()
	}
	return out
}

// ConnectedCount returns how many drivers are currently connected.
func (m *Manager) ConnectedCount() int {
	n := 0
	for _, name := range m.Names() {
		if d, _ := m.Get(name); d.IsConnected() {
			n++
		}
	}
	return n
}

// SortedNames returns the registered driver names sorted alphabetically,
// for stable display in status output.
func (m *Manager) SortedNames() []string {
	names := m.Names()
	sort.Strings(names)
	return names
}
