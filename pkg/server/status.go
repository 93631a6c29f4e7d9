package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// StatusServer exposes /debug/status (an HTML snapshot of the current
// controller session) and /debug/metrics (Prometheus text), both gzipped
// when the client advertises support, mirroring the teacher's use of
// klauspost/compress/gzip for response bodies.
type StatusServer struct {
	master *Master
	m      *Metrics
	log    zerolog.Logger
}

// NewStatusServer constructs a StatusServer over master's live state.
func NewStatusServer(master *Master, m *Metrics, log zerolog.Logger) *StatusServer {
	return &StatusServer{master: master, m: m, log: log}
}

// ListenAndServe blocks, serving the debug endpoints on addr.
func (s *StatusServer) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/status", s.serveStatus)
	mux.HandleFunc("/debug/metrics", s.serveMetrics)
	s.log.Info().Str("listen", addr).Msg("status server listening")
	return http.ListenAndServe(addr, mux)
}

func (s *StatusServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.master.Snapshot()

	var b bytes.Buffer
	fmt.Fprintf(&b, "<!doctype html><html><head><title>relay status</title></head><body>")
	fmt.Fprintf(&b, "<h1>relay server</h1>")
	fmt.Fprintf(&b, `<p class="listen">listen: %s</p>`, htmlEscape(snap.Listen))
	if !snap.Connected {
		fmt.Fprintf(&b, `<p class="state">no controller connected</p>`)
	} else {
		fmt.Fprintf(&b, `<p class="state">controller connected</p>`)
		fmt.Fprintf(&b, `<ul class="controller">`)
		fmt.Fprintf(&b, `<li class="remote">remote: %s</li>`, htmlEscape(snap.Remote))
		fmt.Fprintf(&b, `<li class="bridges">bridges: %d</li>`, snap.Bridges)
		fmt.Fprintf(&b, `</ul>`)
		fmt.Fprintf(&b, `<table class="slaves"><thead><tr><th>port</th></tr></thead><tbody>`)
		for _, p := range snap.Ports {
			fmt.Fprintf(&b, `<tr class="slave"><td>%d</td></tr>`, p)
		}
		fmt.Fprintf(&b, `</tbody></table>`)
	}
	fmt.Fprintf(&b, "</body></html>")

	writeMaybeGzipped(w, r, "text/html; charset=utf-8", b.Bytes())
}

func (s *StatusServer) serveMetrics(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	metrics.WriteProcessMetrics(&b)
	if s.m != nil {
		s.m.Set.WritePrometheus(&b)
	}
	writeMaybeGzipped(w, r, "text/plain; version=0.0.4", b.Bytes())
}

func writeMaybeGzipped(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", contentType)

	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	io.Copy(zw, bytes.NewReader(body))
	zw.Close()

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Length", strconv.Itoa(gz.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(gz.Bytes())
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
