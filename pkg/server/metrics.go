package server

import "github.com/VictoriaMetrics/metrics"

// Metrics holds the relay server's counters, grouped in their own
// *metrics.Set so they can be exposed independently of the default
// registry (see pkg/server/status.go).
type Metrics struct {
	Set *metrics.Set

	BridgesOpened    *metrics.Counter
	BridgesClosed    *metrics.Counter
	FramesParsed     *metrics.Counter
	ParseFailures    *metrics.Counter
	AuthSuccess      *metrics.Counter
	AuthFailure      *metrics.Counter
	BytesFromClients *metrics.Counter
	BytesToClients   *metrics.Counter
	HeartbeatMissed  *metrics.Counter
}

// NewMetrics registers the relay server's counters in a fresh set.
func NewMetrics() *Metrics {
	set := metrics.NewSet()
	return &Metrics{
		Set:              set,
		BridgesOpened:    set.NewCounter(`relay_bridges_opened_total`),
		BridgesClosed:    set.NewCounter(`relay_bridges_closed_total`),
		FramesParsed:     set.NewCounter(`relay_frames_parsed_total`),
		ParseFailures:    set.NewCounter(`relay_frame_parse_failures_total`),
		AuthSuccess:      set.NewCounter(`relay_auth_success_total`),
		AuthFailure:      set.NewCounter(`relay_auth_failure_total`),
		BytesFromClients: set.NewCounter(`relay_bytes_from_external_total`),
		BytesToClients:   set.NewCounter(`relay_bytes_to_external_total`),
		HeartbeatMissed:  set.NewCounter(`relay_heartbeat_missed_total`),
	}
}
