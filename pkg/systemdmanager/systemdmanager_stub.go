//go:build !linux

package systemdmanager

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

type Manager struct{}

func NewContext(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error                                        { return nil }
func (m *Manager) Start(context.Context, string) error                 { return ErrUnsupported }
func (m *Manager) Restart(context.Context, string) error               { return ErrUnsupported }
func (m *Manager) Status(context.Context, string) (*UnitStatus, error) { return nil, ErrUnsupported }
