// Package monitor serves live run statistics over HTTP: a one-shot JSON
// snapshot and a websocket feed that pushes updates while the run advances.
package monitor

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshsim/meshsim/sim"
)

// DefaultPushInterval is how often the websocket feed checks for a new
// statistics version.
const DefaultPushInterval = time.Second

// StatsSource provides read-only statistics snapshots. Implemented by the
// coordinator; safe for concurrent use.
type StatsSource interface {
	Snapshot() sim.RunStats
}

// Server is the monitoring HTTP endpoint.
type Server struct {
	src      StatsSource
	interval time.Duration

	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	done     chan struct{}
}

// New creates a monitor server for src. A non-positive interval falls back
// to DefaultPushInterval.
func New(src StatsSource, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	s := &Server{
		src:      src,
		interval: interval,
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			// The feed is read-only diagnostics on a local socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleSnapshot)
	mux.HandleFunc("/stats/live", s.handleLive)
	s.srv = &http.Server{Handler: mux}
	return s
}

// Start binds addr and serves in the background. Addr 0 ports are supported;
// use Addr to discover the bound address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	logrus.Infof("monitor listening on http://%s", ln.Addr())
	go func() {
		if serr := s.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			logrus.Warnf("monitor server: %v", serr)
		}
	}()
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the server and disconnects live feeds.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.srv.Close()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.src.Snapshot()); err != nil {
		logrus.Debugf("monitor: snapshot write failed: %v", err)
	}
}

// handleLive upgrades to a websocket and pushes a JSON snapshot whenever the
// statistics version changes, at most once per interval.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Debugf("monitor: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close handshakes are processed.
	go func() {
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var lastVersion uint64
	first := true
	for {
		snap := s.src.Snapshot()
		if first || snap.Version != lastVersion {
			if werr := conn.WriteJSON(snap); werr != nil {
				return
			}
			lastVersion = snap.Version
			first = false
		}
		select {
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
