package server

import (
	"bytes"
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymux/relay/pkg/bridge"
	"github.com/relaymux/relay/pkg/wire"
	"github.com/rs/zerolog"
)

const (
	controllerWriterQueueDepth = 256
	controllerReadBurstSize    = 64 * 1024
)

// Master owns the control-socket listener and, for the lifetime of one
// authenticated controller, the slave listeners spawned on its behalf. It
// implements the state machine of spec.md §4.4: IDLE -> AWAITING_AUTH ->
// AUTHED -> RESTART -> IDLE, accepting one controller at a time.
type Master struct {
	cfg Config
	log zerolog.Logger
	m   *Metrics
	geo *geoLookup

	statusMu sync.Mutex
	active   *activeSession
}

// activeSession is the subset of controller-session state the status page
// renders. It is replaced wholesale on each new controller and cleared when
// the controller disconnects.
type activeSession struct {
	remote string
	ports  []uint16
	conns  map[uuid.UUID]*bridge.Bridge
	connMu *sync.Mutex
}

// Status is a point-in-time snapshot for the /debug/status page.
type Status struct {
	Listen    string
	Connected bool
	Remote    string
	Ports     []uint16
	Bridges   int
}

// Snapshot returns the current session's status for rendering.
func (m *Master) Snapshot() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	s := Status{Listen: m.cfg.Listen.String()}
	if m.active == nil {
		return s
	}
	s.Connected = true
	s.Remote = m.active.remote
	s.Ports = m.active.ports
	m.active.connMu.Lock()
	s.Bridges = len(m.active.conns)
	m.active.connMu.Unlock()
	return s
}

// NewMaster validates cfg and constructs a Master.
func NewMaster(cfg Config, log zerolog.Logger, m *Metrics) (*Master, error) {
	geo, err := loadGeoLookup(cfg.IP2LocationDB)
	if err != nil {
		return nil, err
	}
	if cfg.WarningBudget <= 0 {
		cfg.WarningBudget = 5
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.HeartbeatMaxMissed <= 0 {
		cfg.HeartbeatMaxMissed = 3
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1024
	}
	return &Master{cfg: cfg, log: log, m: m, geo: geo}, nil
}

// Run listens on cfg.Listen and serves controllers one at a time until ctx
// is canceled.
func (m *Master) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.Listen.String())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	m.log.Info().
		Str("listen", m.cfg.Listen.String()).
		Uint32("threads", m.cfg.resolvedThreads(runtime.NumCPU())).
		Msg("relay server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		m.serveController(ctx, conn)
	}
}

// serveController blocks for the lifetime of one controller session: AUTH,
// slave spawn, frame dispatch, and teardown on loss.
func (m *Master) serveController(ctx context.Context, conn net.Conn) {
	log := m.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	sep := []byte(m.cfg.Separator)

	writer := bridge.NewWriter(conn, controllerWriterQueueDepth)
	go writer.Run(log)
	defer writer.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	frame, err := readOneFrame(conn)
	if err != nil {
		log.Warn().Err(err).Msg("controller disconnected before AUTH")
		return
	}
	sf, err := wire.ParseServerFrame(frame, sep)
	if err != nil || sf.Kind != wire.KindAuth {
		log.Warn().Err(err).Msg("expected AUTH as first frame")
		writer.Enqueue(wire.BuildAuthTry(false, sep))
		if m.m != nil {
			m.m.AuthFailure.Inc()
		}
		return
	}
	if !bytes.Equal(sf.Auth.Secret, []byte(m.cfg.Auth)) {
		log.Warn().Msg("auth rejected: bad secret")
		writer.Enqueue(wire.BuildAuthTry(false, sep))
		if m.m != nil {
			m.m.AuthFailure.Inc()
		}
		return
	}
	if err := writer.Enqueue(wire.BuildAuthTry(true, sep)); err != nil {
		return
	}
	if m.m != nil {
		m.m.AuthSuccess.Inc()
	}
	log.Info().Uints16("ports", sf.Auth.Ports).Uint32("concurrency", m.cfg.Concurrency).Msg("controller authenticated")

	var connMu sync.Mutex
	conns := make(map[uuid.UUID]*bridge.Bridge)
	sem := make(chan struct{}, m.cfg.Concurrency)

	m.statusMu.Lock()
	m.active = &activeSession{remote: conn.RemoteAddr().String(), ports: sf.Auth.Ports, conns: conns, connMu: &connMu}
	m.statusMu.Unlock()
	defer func() {
		m.statusMu.Lock()
		m.active = nil
		m.statusMu.Unlock()
	}()

	var slaves []*slave
	for _, port := range sf.Auth.Ports {
		addr := Address{Host: m.cfg.Listen.Host, Port: port}
		sln, err := net.Listen("tcp", addr.String())
		if err != nil {
			log.Error().Err(err).Uint16("port", port).Msg("failed to bind slave listener")
			continue
		}
		s := newSlave(port, sln, writer, sep, &connMu, conns, sem, m.geo, m.m, log)
		slaves = append(slaves, s)
		go s.serve()
	}
	defer func() {
		for _, s := range slaves {
			s.close()
		}
		connMu.Lock()
		for id, b := range conns {
			b.Close()
			delete(conns, id)
		}
		connMu.Unlock()
	}()

	hb := bridge.NewHeartbeatMonitor()
	hbDone := make(chan struct{})
	defer close(hbDone)
	go m.heartbeatLoop(log, writer, hb, sep, hbDone)

	warnings := 0
	for {
		frame, err := readOneFrame(conn)
		if err != nil {
			log.Debug().Err(err).Msg("controller connection lost")
			return
		}
		if len(frame) == 0 {
			continue
		}
		sf, err := wire.ParseServerFrame(frame, sep)
		if err != nil {
			warnings++
			if m.m != nil {
				m.m.ParseFailures.Inc()
			}
			log.Error().Err(err).Int("warnings", warnings).Msg("failed to parse controller frame")
			if warnings >= m.cfg.WarningBudget {
				log.Warn().Msg("warning budget exceeded, closing controller")
				return
			}
			continue
		}
		if m.m != nil {
			m.m.FramesParsed.Inc()
		}

		switch sf.Kind {
		case wire.KindData:
			connMu.Lock()
			b, ok := conns[sf.Data.ID]
			connMu.Unlock()
			if !ok {
				log.Debug().Str("id", sf.Data.ID.String()).Msg("data for unknown connection, dropping")
				continue
			}
			if got := wire.HashSHA1(sf.Data.Body); got != sf.Data.SHA1 {
				log.Warn().Str("id", sf.Data.ID.String()).Msg("sha1 mismatch, dropping frame")
				continue
			}
			if err := b.Enqueue(sf.Data.Body); err != nil {
				continue
			}
			if m.m != nil {
				m.m.BytesToClients.Add(len(sf.Data.Body))
			}

		case wire.KindClose:
			connMu.Lock()
			b, ok := conns[sf.Close.ID]
			if ok {
				delete(conns, sf.Close.ID)
			}
			connMu.Unlock()
			if ok {
				b.Close()
			}

		case wire.KindHeartbeat:
			if !hb.Ack(sf.Heartbeat.Nonce) {
				writer.Enqueue(wire.BuildHeartbeat(sf.Heartbeat.Nonce, sep))
			}
		}
	}
}

// heartbeatLoop periodically sends a HEARTBEAT and closes the controller if
// cfg.HeartbeatMaxMissed consecutive replies don't arrive in time.
func (m *Master) heartbeatLoop(log zerolog.Logger, writer *bridge.Writer, hb *bridge.HeartbeatMonitor, sep []byte, done <-chan struct{}) {
	interval := time.Duration(m.cfg.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-done:
			return
		case <-writer.Done():
			return
		case <-ticker.C:
			nonce := wire.GenerateNonce(32)
			ack := hb.Register(nonce)
			if err := writer.Enqueue(wire.BuildHeartbeat(nonce, sep)); err != nil {
				return
			}
			select {
			case <-ack:
				missed = 0
			case <-time.After(interval):
				missed++
				if m.m != nil {
					m.m.HeartbeatMissed.Inc()
				}
				if missed >= m.cfg.HeartbeatMaxMissed {
					log.Warn().Int("missed", missed).Msg("heartbeat timeout, closing controller")
					writer.Close()
					return
				}
			case <-done:
				return
			}
		}
	}
}

func readOneFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, controllerReadBurstSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return append([]byte(nil), buf[:n]...), nil
	}
	return nil, err
}
