// Package server implements the relay server: the master control-socket
// state machine and the per-port slave listeners it spawns once a
// controller authenticates.
package server

import (
	"fmt"

	"github.com/relaymux/relay/pkg/rlconfig"
)

// Address is a host/port pair, matching the "listen" object in spec.md §6's
// server configuration.
type Address struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// Config is the relay server's JSON configuration (spec.md §6).
type Config struct {
	Auth      rlconfig.Bytes `json:"auth"`
	Separator rlconfig.Bytes `json:"separator"`
	Listen    Address        `json:"listen"`
	Threads   *uint32        `json:"threads"`

	// Concurrency bounds how many bridges (external connections across all
	// of a controller's advertised ports) may be open at once. Connections
	// beyond the bound are refused with a logged warning rather than
	// queued. Zero is resolved to 1024 by NewMaster.
	Concurrency uint32 `json:"concurrency"`

	// MinimumClientVersion is an advisory semver string (validated, never
	// enforced on the wire since the AUTH frame carries no version field).
	// relayd checks it with semver.IsValid at startup and logs and clears an
	// invalid value; it is not compared against connecting clients.
	MinimumClientVersion string `json:"minimum_client_version,omitempty"`

	// IP2LocationDB, if set, names an IP2Location BIN database used to log
	// the resolved country of accepted external connections. Diagnostic
	// only; never gates a connection.
	IP2LocationDB string `json:"ip2location_db,omitempty"`

	// WarningBudget bounds how many per-frame parse failures a controller
	// session tolerates before the master closes it (spec.md §7).
	WarningBudget int `json:"warning_budget,omitempty"`

	// HeartbeatIntervalSeconds and HeartbeatMaxMissed implement spec.md
	// §4.6's liveness policy.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds,omitempty"`
	HeartbeatMaxMissed       int `json:"heartbeat_max_missed,omitempty"`

	// StatusListen, if set, serves /debug/status and /debug/metrics on this
	// address. Empty disables the debug HTTP server entirely.
	StatusListen string `json:"status_listen,omitempty"`
}

// DefaultConfig mirrors the defaults in original_source/src/server/config.rs.
func DefaultConfig() Config {
	return Config{
		Auth:                     rlconfig.Bytes("CH4ng3M3!"),
		Separator:                rlconfig.Bytes{0},
		Listen:                   Address{Host: "0.0.0.0", Port: 65535},
		Concurrency:              1024,
		WarningBudget:            5,
		HeartbeatIntervalSeconds: 30,
		HeartbeatMaxMissed:       3,
	}
}

// resolvedThreads resolves the configured thread hint to a concrete value,
// falling back to numCPU (or 4 if numCPU is not positive) for a missing
// "threads" field.
func (c Config) resolvedThreads(numCPU int) uint32 {
	if c.Threads != nil {
		return *c.Threads
	}
	if numCPU > 0 {
		return uint32(numCPU)
	}
	return 4
}
