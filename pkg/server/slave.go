package server

import (
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/relaymux/relay/pkg/bridge"
	"github.com/relaymux/relay/pkg/wire"
	"github.com/rs/zerolog"
)

const bridgeQueueDepth = 64

// slave listens on one exposed public port on behalf of an authenticated
// controller. Each accepted connection becomes a Bridge registered in the
// shared connections table and keyed by a freshly minted UUID.
type slave struct {
	port   uint16
	ln     net.Listener
	log    zerolog.Logger
	sep    []byte
	writer *bridge.Writer
	geo    *geoLookup
	m      *Metrics

	connMu *sync.Mutex
	conns  map[uuid.UUID]*bridge.Bridge

	// sem bounds the number of simultaneously open bridges across every
	// slave of the controller session, mirroring the capacity hint the
	// original implementation pre-allocates its connection table with.
	sem chan struct{}
}

func newSlave(port uint16, ln net.Listener, writer *bridge.Writer, sep []byte, connMu *sync.Mutex, conns map[uuid.UUID]*bridge.Bridge, sem chan struct{}, geo *geoLookup, m *Metrics, log zerolog.Logger) *slave {
	return &slave{
		port:   port,
		ln:     ln,
		log:    log.With().Uint16("port", port).Logger(),
		sep:    sep,
		writer: writer,
		geo:    geo,
		m:      m,
		connMu: connMu,
		conns:  conns,
		sem:    sem,
	}
}

// serve accepts connections until ln is closed (which happens when the
// controller session ends; see the deferred teardown in
// Master.serveController).
func (s *slave) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.onAccept(conn)
	}
}

func (s *slave) onAccept(conn net.Conn) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("concurrency limit reached, rejecting connection")
		conn.Close()
		return
	}

	id := uuid.New()
	b := bridge.New(id, conn, bridgeQueueDepth)

	s.connMu.Lock()
	s.conns[id] = b
	s.connMu.Unlock()

	if s.geo != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			if addr, err := netip.ParseAddr(host); err == nil {
				if cc := s.geo.Country(addr); cc != "" {
					s.log.Info().Str("id", id.String()).Str("remote", conn.RemoteAddr().String()).Str("country", cc).Msg("accepted external connection")
				}
			}
		}
	}
	s.log.Debug().Str("id", id.String()).Str("remote", conn.RemoteAddr().String()).Msg("accepted external connection")
	if s.m != nil {
		s.m.BridgesOpened.Inc()
	}

	go b.WriteLoop(s.log)
	go b.ReadLoop(s.log, func(body []byte) error {
		frame := wire.BuildServerData(id, s.port, s.sep, body)
		if s.m != nil {
			s.m.BytesFromClients.Add(len(body))
		}
		return s.writer.Enqueue(frame)
	}, func() {
		s.connMu.Lock()
		delete(s.conns, id)
		s.connMu.Unlock()
		<-s.sem
		if s.m != nil {
			s.m.BridgesClosed.Inc()
		}
		s.writer.Enqueue(wire.BuildClose(id, s.sep))
		s.log.Debug().Str("id", id.String()).Msg("external connection closed")
	})
}

func (s *slave) close() {
	s.ln.Close()
}
