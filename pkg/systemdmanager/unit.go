// Package systemdmanager relaunches and inspects the game server when it runs
// as a systemd unit.
package systemdmanager

import (
	"strings"
	"time"
)

// UnitStatus is the subset of unit properties the control plane reports.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`
	SubState    string    `json:"sub_state"`
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitempty"`
	StateChange time.Time `json:"state_change,omitempty"`
}

// UnitName appends ".service" unless unit already names a unit type.
func UnitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if i := strings.LastIndexByte(unit, '.'); i > 0 {
		switch unit[i+1:] {
		case "service", "target", "scope", "socket", "timer":
			return unit
		}
	}
	return unit + ".service"
}
