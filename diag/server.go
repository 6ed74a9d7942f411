package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"vpntunnel"
	"vpntunnel/tunnel"
)

// SessionSource is the subset of vpntunnel.Session this package reads from.
// Kept as an interface rather than a direct *vpntunnel.Session dependency
// so tests can stand in a fake without constructing a real tunnel.
type SessionSource interface {
	State() vpntunnel.SessionState
	Stats() tunnel.Stats
}

// jsonStats is tunnel.Stats reshaped for JSON, with enum fields rendered
// as their String() form rather than raw integers.
type jsonStats struct {
	Lifecycle      string `json:"lifecycle"`
	LCPState       string `json:"lcpState"`
	IPCPState      string `json:"ipcpState"`
	IPV6CPOpen     bool   `json:"ipv6cpOpen,omitempty"`
	HasIPV6CP      bool   `json:"hasIpv6cp"`
	DatagramActive bool   `json:"datagramActive"`
	StreamBytesIn  uint64 `json:"streamBytesIn"`
	StreamBytesOut uint64 `json:"streamBytesOut"`
	DgramBytesIn   uint64 `json:"dgramBytesIn"`
	DgramBytesOut  uint64 `json:"dgramBytesOut"`
	NegotiatedIPv4 string `json:"negotiatedIpv4,omitempty"`
	OutQueueLen    int    `json:"outQueueLen"`
	OutQueueDrops  uint64 `json:"outQueueDrops"`
	InQueueLen     int    `json:"inQueueLen"`
	InQueueDrops   uint64 `json:"inQueueDrops"`

	ReplayRejections uint64 `json:"replayRejections"`
	MACFailures      uint64 `json:"macFailures"`
}

func toJSONStats(s tunnel.Stats) jsonStats {
	return jsonStats{
		Lifecycle:      s.Lifecycle.String(),
		LCPState:       s.LCPState.String(),
		IPCPState:      s.IPCPState.String(),
		IPV6CPOpen:     s.IPV6CPOpen,
		HasIPV6CP:      s.HasIPV6CP,
		DatagramActive: s.DatagramActive,
		StreamBytesIn:  s.StreamBytesIn,
		StreamBytesOut: s.StreamBytesOut,
		DgramBytesIn:   s.DgramBytesIn,
		DgramBytesOut:  s.DgramBytesOut,
		NegotiatedIPv4: s.NegotiatedIPv4,
		OutQueueLen:    s.OutQueueLen,
		OutQueueDrops:  s.OutQueueDrops,
		InQueueLen:     s.InQueueLen,
		InQueueDrops:   s.InQueueDrops,

		ReplayRejections: s.ReplayRejections,
		MACFailures:      s.MACFailures,
	}
}

// Server is the diagnostic HTTP surface: JSON status, an SSE trace stream,
// and Prometheus metrics over one running session. Grounded on
// server.Server — same router/httpServer/Run shape, generalized from a
// fleet of named BMC servers to the single session a vpntunnel process
// drives at a time.
type Server struct {
	addr    string
	session SessionSource
	trace   *TraceBuffer
	metrics *Metrics

	router     *mux.Router
	httpServer *http.Server
}

// New builds a Server that reports on session and records trace events
// into buf. addr is the listen address, e.g. ":9090".
func New(addr string, session SessionSource, buf *TraceBuffer) *Server {
	if buf == nil {
		buf = NewTraceBuffer(256)
	}
	s := &Server{
		addr:    addr,
		session: session,
		trace:   buf,
		metrics: NewMetrics(),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Trace returns the buffer Run's caller should feed Append calls into as
// the session progresses.
func (s *Server) Trace() *TraceBuffer { return s.trace }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/trace", s.handleTraceSnapshot).Methods("GET")
	api.HandleFunc("/trace/stream", s.handleStream).Methods("GET")
	s.router.Handle("/metrics", s.handleMetrics()).Methods("GET")
}

type statusResponse struct {
	SessionState string    `json:"sessionState"`
	Stats        jsonStats `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.session.Stats()
	s.metrics.Observe(stats)
	resp := statusResponse{
		SessionState: sessionStateString(s.session.State()),
		Stats:        toJSONStats(stats),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleMetrics refreshes the gauges from the latest Stats snapshot just
// before the scrape, so a scraper never needs to hit /api/status first.
func (s *Server) handleMetrics() http.Handler {
	inner := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Observe(s.session.Stats())
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) handleTraceSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.trace.Snapshot())
}

func sessionStateString(st vpntunnel.SessionState) string {
	switch st {
	case vpntunnel.SessionConnecting:
		return "Connecting"
	case vpntunnel.SessionRunning:
		return "Running"
	case vpntunnel.SessionClosed:
		return "Closed"
	case vpntunnel.SessionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("diag: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Run serves the diagnostic surface until ctx is cancelled, then shuts
// down gracefully. Grounded on server.Server.Run's ctx.Done-triggered
// Shutdown + http.ErrServerClosed swallow.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("diag: context done, shutting down diagnostic server")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("diag: serving on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return fmt.Errorf("diag: server error: %w", err)
}
