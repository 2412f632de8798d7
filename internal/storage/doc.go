// Package storage keeps an optional audit trail of operator commands and
// control-plane outcomes (restart stages, saves, backups).
//
// Drivers:
//   - "file": append-only JSON Lines next to the configured path
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
//
// The Recorder turns event bus traffic into audit entries so the control
// plane never writes to storage directly.
package storage
