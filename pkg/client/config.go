// Package client implements the relay client: the control-socket proxy that
// dials the server, authenticates, and fans inbound frames out to local TCP
// targets.
package client

import (
	"github.com/relaymux/relay/pkg/rlconfig"
)

// Target maps one server-advertised public port to a local address the
// client dials on demand (spec.md §6's "targets" list).
type Target struct {
	Address    string `json:"address"`
	SourcePort uint16 `json:"source_port"`
	TargetPort uint16 `json:"target_port"`
}

// SSHConfig is accepted and round-tripped but never interpreted: the
// optional child-process SSH tunneling feature is explicitly out of core
// (spec.md §1).
type SSHConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Config is the relay client's JSON configuration (spec.md §6).
type Config struct {
	Auth       rlconfig.Bytes `json:"auth"`
	Separator  rlconfig.Bytes `json:"separator"`
	RedirectTo string         `json:"redirect_to"`
	Targets    []Target       `json:"targets"`
	SSHConfig  *SSHConfig     `json:"ssh_config,omitempty"`

	// ReconnectDelaySeconds is the §4.3 "sleep 5s and retry" interval,
	// surfaced as configuration instead of a hardcoded constant.
	ReconnectDelaySeconds int `json:"reconnect_delay_seconds,omitempty"`

	// HeartbeatIntervalSeconds and HeartbeatMaxMissed implement spec.md
	// §4.6's liveness policy on this side of the connection.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds,omitempty"`
	HeartbeatMaxMissed       int `json:"heartbeat_max_missed,omitempty"`
}

// DefaultConfig mirrors the defaults in original_source/src/client/config.rs.
func DefaultConfig() Config {
	return Config{
		Auth:                     rlconfig.Bytes("CH4ng3M3!"),
		Separator:                rlconfig.Bytes{0},
		RedirectTo:               "127.0.0.1:65535",
		ReconnectDelaySeconds:    5,
		HeartbeatIntervalSeconds: 30,
		HeartbeatMaxMissed:       3,
	}
}

// ports returns the set of target_port values to advertise in AUTH.
func (c Config) ports() []uint16 {
	ports := make([]uint16, len(c.Targets))
	for i, t := range c.Targets {
		ports[i] = t.TargetPort
	}
	return ports
}

// targetFor resolves an incoming DATA frame's port (a target_port) to the
// local (address, source_port) pair to dial.
func (c Config) targetFor(port uint16) (Target, bool) {
	for _, t := range c.Targets {
		if t.TargetPort == port {
			return t, true
		}
	}
	return Target{}, false
}
