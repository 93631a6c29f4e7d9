package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymux/relay/pkg/bridge"
	"github.com/relaymux/relay/pkg/wire"
	"github.com/rs/zerolog"
)

// ErrAuthRejected is returned by Run when the server answers AUTH with
// AUTHTRY forbidden. Callers map this to the process exit code 3.
var ErrAuthRejected = errors.New("client: authentication rejected by server")

const (
	controllerWriterQueueDepth = 256
	bridgeQueueDepth           = 64
	readBurstSize              = 64 * 1024
)

// Proxy is the client-side control-socket state machine: connect, AUTH,
// dispatch frames to per-UUID bridges, and reconnect on loss.
type Proxy struct {
	cfg Config
	log zerolog.Logger
	m   *Metrics
}

// NewProxy constructs a Proxy, applying the same defaulting DefaultConfig
// would.
func NewProxy(cfg Config, log zerolog.Logger, m *Metrics) *Proxy {
	if cfg.ReconnectDelaySeconds <= 0 {
		cfg.ReconnectDelaySeconds = 5
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.HeartbeatMaxMissed <= 0 {
		cfg.HeartbeatMaxMissed = 3
	}
	return &Proxy{cfg: cfg, log: log, m: m}
}

// Run blocks, dialing p.cfg.RedirectTo and reconnecting on failure, until
// ctx is canceled or the server rejects authentication.
func (p *Proxy) Run(ctx context.Context) error {
	delay := time.Duration(p.cfg.ReconnectDelaySeconds) * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := net.Dial("tcp", p.cfg.RedirectTo)
		if err != nil {
			p.log.Warn().Err(err).Str("server", p.cfg.RedirectTo).Msg("connect failed, retrying")
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		err = p.runSession(ctx, conn)
		conn.Close()
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if p.m != nil {
			p.m.Reconnects.Inc()
		}
		p.log.Warn().Err(err).Msg("control session ended, reconnecting")
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runSession owns one authenticated control connection end to end: AUTH,
// frame dispatch, and bridge lifecycle. It returns when the connection is
// lost, ctx is canceled, or auth is rejected.
func (p *Proxy) runSession(ctx context.Context, conn net.Conn) error {
	sep := []byte(p.cfg.Separator)
	log := p.log.With().Str("server", conn.RemoteAddr().String()).Logger()

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

	if err := writer.Enqueue(wire.BuildAuth([]byte(p.cfg.Auth), p.cfg.ports(), sep)); err != nil {
		return err
	}

	frame, err := readOneFrame(conn)
	if err != nil {
		return err
	}
	cf, err := wire.ParseClientFrame(frame, sep)
	if err != nil || cf.Kind != wire.KindAuthTry {
		return errors.New("client: expected AUTHTRY as first frame")
	}
	if !cf.AuthTry.Success {
		return ErrAuthRejected
	}
	log.Info().Msg("authenticated")

	s := &session{
		p:       p,
		log:     log,
		sep:     sep,
		writer:  writer,
		bridges: make(map[uuid.UUID]*bridge.Bridge),
		hb:      bridge.NewHeartbeatMonitor(),
	}

	hbDone := make(chan struct{})
	defer close(hbDone)
	go s.heartbeatLoop(hbDone)

	defer s.closeAll()

	for {
		frame, err := readOneFrame(conn)
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		cf, err := wire.ParseClientFrame(frame, sep)
		if err != nil {
			if p.m != nil {
				p.m.ParseFailures.Inc()
			}
			log.Error().Err(err).Msg("failed to parse server frame")
			continue
		}
		if p.m != nil {
			p.m.FramesParsed.Inc()
		}
		s.dispatch(cf)
	}
}

// session holds the per-connection state a runSession iteration dispatches
// frames against: the live bridge table and the shared control-socket
// writer.
type session struct {
	p      *Proxy
	log    zerolog.Logger
	sep    []byte
	writer *bridge.Writer

	mu      sync.Mutex
	bridges map[uuid.UUID]*bridge.Bridge

	hb *bridge.HeartbeatMonitor
}

func (s *session) dispatch(cf wire.ClientFrame) {
	switch cf.Kind {
	case wire.KindData:
		s.onData(cf.Data)
	case wire.KindClose:
		s.onClose(cf.Close.ID)
	case wire.KindHeartbeat:
		if !s.hb.Ack(cf.Heartbeat.Nonce) {
			s.writer.Enqueue(wire.BuildHeartbeat(cf.Heartbeat.Nonce, s.sep))
		}
	}
}

func (s *session) onData(f *wire.ServerDataFrame) {
	s.mu.Lock()
	b, ok := s.bridges[f.ID]
	s.mu.Unlock()

	if ok {
		if got := wire.HashSHA1(f.Body); got != f.SHA1 {
			s.log.Warn().Str("id", f.ID.String()).Msg("sha1 mismatch, dropping frame")
			return
		}
		b.Enqueue(f.Body)
		if s.p.m != nil {
			s.p.m.BytesDownstream.Add(len(f.Body))
		}
		return
	}

	target, ok := s.p.cfg.targetFor(f.Port)
	if !ok {
		s.log.Debug().Uint16("port", f.Port).Msg("no target configured for port, dropping frame")
		return
	}
	local, err := net.Dial("tcp", net.JoinHostPort(target.Address, strconv.FormatUint(uint64(target.SourcePort), 10)))
	if err != nil {
		s.log.Warn().Err(err).Str("id", f.ID.String()).Msg("failed to dial local target")
		if s.p.m != nil {
			s.p.m.DialFailures.Inc()
		}
		s.writer.Enqueue(wire.BuildClose(f.ID, s.sep))
		return
	}

	nb := bridge.New(f.ID, local, bridgeQueueDepth)
	s.mu.Lock()
	s.bridges[f.ID] = nb
	s.mu.Unlock()
	if s.p.m != nil {
		s.p.m.BridgesOpened.Inc()
	}

	id := f.ID
	go nb.WriteLoop(s.log)
	go nb.ReadLoop(s.log, func(body []byte) error {
		if s.p.m != nil {
			s.p.m.BytesUpstream.Add(len(body))
		}
		return s.writer.Enqueue(wire.BuildClientData(id, s.sep, body))
	}, func() {
		s.mu.Lock()
		delete(s.bridges, id)
		s.mu.Unlock()
		if s.p.m != nil {
			s.p.m.BridgesClosed.Inc()
		}
		s.writer.Enqueue(wire.BuildClose(id, s.sep))
	})

	nb.Enqueue(f.Body)
	if s.p.m != nil {
		s.p.m.BytesDownstream.Add(len(f.Body))
	}
}

func (s *session) onClose(id uuid.UUID) {
	s.mu.Lock()
	b, ok := s.bridges[id]
	if ok {
		delete(s.bridges, id)
	}
	s.mu.Unlock()
	if ok {
		b.Close()
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.bridges {
		b.Close()
		delete(s.bridges, id)
	}
}

func (s *session) heartbeatLoop(done <-chan struct{}) {
	interval := time.Duration(s.p.cfg.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-done:
			return
		case <-s.writer.Done():
			return
		case <-ticker.C:
			nonce := wire.GenerateNonce(32)
			ack := s.hb.Register(nonce)
			if err := s.writer.Enqueue(wire.BuildHeartbeat(nonce, s.sep)); err != nil {
				return
			}
			select {
			case <-ack:
				missed = 0
			case <-time.After(interval):
				missed++
				if s.p.m != nil {
					s.p.m.HeartbeatMissed.Inc()
				}
				if missed >= s.p.cfg.HeartbeatMaxMissed {
					s.log.Warn().Int("missed", missed).Msg("heartbeat timeout, closing control session")
					s.writer.Close()
					return
				}
			case <-done:
				return
			}
		}
	}
}

func readOneFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, readBurstSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return append([]byte(nil), buf[:n]...), nil
	}
	return nil, err
}

