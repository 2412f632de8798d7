//go:build linux

package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager starts and inspects systemd units over D-Bus.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// NewContext connects to the system bus. ctx only bounds the handshake.
func NewContext(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) client() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, errors.New("systemd connection is closed")
	}
	return m.conn, nil
}

// Start queues a start job for unit ("palworld" or "palworld.service").
// It returns once systemd accepted the job, not when the unit is up.
func (m *Manager) Start(ctx context.Context, unit string) error {
	conn, err := m.client()
	if err != nil {
		return err
	}
	name := UnitName(unit)
	if _, err := conn.StartUnitContext(ctx, name, "replace", nil); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

// Restart queues a restart job for unit.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	conn, err := m.client()
	if err != nil {
		return err
	}
	name := UnitName(unit)
	if _, err := conn.RestartUnitContext(ctx, name, "replace", nil); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	return nil
}

// Status fetches core state and timestamps of unit.
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	conn, err := m.client()
	if err != nil {
		return nil, err
	}
	name := UnitName(unit)
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(name), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	loadState, _ := stringProp(props, "LoadState")
	if loadState == "not-found" {
		return notFound(name), nil
	}
	active, _ := stringProp(props, "ActiveState")
	sub, _ := stringProp(props, "SubState")
	desc, _ := stringProp(props, "Description")
	return &UnitStatus{
		Name:        name,
		Active:      active,
		SubState:    sub,
		LoadState:   loadState,
		Description: desc,
		ActiveSince: timestampProp(props, "ActiveEnterTimestamp"),
		StateChange: timestampProp(props, "StateChangeTimestamp"),
	}, nil
}

func notFound(name string) *UnitStatus {
	return &UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func isNoSuchUnitErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not loaded")
}

// systemd timestamps are microseconds since the epoch.
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]interface{}, key string) (string, bool) {
	v, ok := props[key].(string)
	return v, ok
}
