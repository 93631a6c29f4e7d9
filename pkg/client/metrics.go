package client

import "github.com/VictoriaMetrics/metrics"

// Metrics holds the relay client's counters, in the same shape as
// pkg/server's set. The client binary does not serve them over HTTP.
type Metrics struct {
	Set *metrics.Set

	BridgesOpened   *metrics.Counter
	BridgesClosed   *metrics.Counter
	DialFailures    *metrics.Counter
	FramesParsed    *metrics.Counter
	ParseFailures   *metrics.Counter
	Reconnects      *metrics.Counter
	BytesUpstream   *metrics.Counter
	BytesDownstream *metrics.Counter
	HeartbeatMissed *metrics.Counter
}

// NewMetrics registers the relay client's counters in a fresh set.
func NewMetrics() *Metrics {
	set := metrics.NewSet()
	return &Metrics{
		Set:             set,
		BridgesOpened:   set.NewCounter(`relay_client_bridges_opened_total`),
		BridgesClosed:   set.NewCounter(`relay_client_bridges_closed_total`),
		DialFailures:    set.NewCounter(`relay_client_dial_failures_total`),
		FramesParsed:    set.NewCounter(`relay_client_frames_parsed_total`),
		ParseFailures:   set.NewCounter(`relay_client_frame_parse_failures_total`),
		Reconnects:      set.NewCounter(`relay_client_reconnects_total`),
		BytesUpstream:   set.NewCounter(`relay_client_bytes_upstream_total`),
		BytesDownstream: set.NewCounter(`relay_client_bytes_downstream_total`),
		HeartbeatMissed: set.NewCounter(`relay_client_heartbeat_missed_total`),
	}
}
