package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/dscars/game/protocol"
)

var tracer = otel.Tracer("github.com/wricardo/dscars/game/server")

var (
	ErrInvalidPort    = errors.New("invalid port")
	ErrAlreadyRunning = errors.New("server already running")
)

// HostNameUnknown is reported when the local host name cannot be resolved
const HostNameUnknown = "Cannot detect."

const (
	DefaultFaultThreshold = 5
	DefaultOutboundQueue  = 64
	DefaultWriteTimeout   = 5 * time.Second
	keepAlivePeriod       = 30 * time.Second
)

// Options configures a Server. Zero values select the defaults.
type Options struct {
	Codec          protocol.Codec
	FaultThreshold int
	// MaxSessions caps concurrent sessions; 0 means unlimited
	MaxSessions   int
	OutboundQueue int
	WriteTimeout  time.Duration
	Logger        *slog.Logger
	Observer      Observer
	// Registerer receives the server metrics; nil keeps them unexported
	Registerer prometheus.Registerer
}

// Status is a snapshot of the server for admin surfaces
type Status struct {
	Running  bool          `json:"running"`
	Address  string        `json:"address,omitempty"`
	HostName string        `json:"host_name"`
	Sessions []SessionInfo `json:"sessions"`
	Lobby    []LobbyEntry  `json:"lobby"`
	Matches  []MatchInfo   `json:"matches"`
}

// Server accepts player connections, pairs them in the lobby and relays
// match traffic. A Server can be started again after Stop; match ids keep
// increasing across runs.
type Server struct {
	opts     Options
	logger   *slog.Logger
	observer Observer
	metrics  *metrics

	running   atomic.Bool
	accepting atomic.Bool
	matchSeq  atomic.Int64

	mu         sync.Mutex
	listener   net.Listener
	lobby      *lobby
	pool       *errgroup.Group
	sessions   map[*Session]struct{}
	acceptDone chan struct{}
}

// New creates a stopped server
func New(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = protocol.Default
	}
	if opts.FaultThreshold <= 0 {
		opts.FaultThreshold = DefaultFaultThreshold
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = DefaultOutboundQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Server{
		opts:     opts,
		logger:   opts.Logger.With("component", "server"),
		observer: observer,
		metrics:  newMetrics(opts.Registerer),
		sessions: make(map[*Session]struct{}),
	}
}

// Start listens on port on all interfaces and serves connections. Port 0
// picks a free port; see Addr.
func (s *Server) Start(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if s.IsRunning() {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.logger.Error("could not listen", "port", port, "error", err)
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Stop. It returns once the accept
// loop is running; ln is owned by the server from then on.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running.Load() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	lb := newLobby(s.logger.With("component", "lobby"), s.metrics, s.observer, s.nextMatchID)
	go lb.run()

	pool := new(errgroup.Group)
	if s.opts.MaxSessions > 0 {
		pool.SetLimit(s.opts.MaxSessions)
	}

	done := make(chan struct{})
	s.listener = ln
	s.lobby = lb
	s.pool = pool
	s.sessions = make(map[*Session]struct{})
	s.acceptDone = done
	s.accepting.Store(true)
	s.running.Store(true)
	s.mu.Unlock()

	go s.acceptLoop(ln, lb, pool, done)

	s.logger.Info("server started", "address", ln.Addr().String(), "codec", s.opts.Codec.Name())
	e := newEvent(EventServerUp)
	e.Detail = ln.Addr().String()
	s.observer.Notify(e)
	return nil
}

func (s *Server) nextMatchID() int {
	return int(s.matchSeq.Add(1))
}

func (s *Server) acceptLoop(ln net.Listener, lb *lobby, pool *errgroup.Group, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for s.accepting.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.accepting.Load() {
				s.logger.Debug("accept loop ended after shutdown", "error", err)
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener closed unexpectedly", "error", err)
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.logger.Error("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.handleConn(conn, lb, pool)
	}
}

func (s *Server) handleConn(conn net.Conn, lb *lobby, pool *errgroup.Group) {
	if err := prepareConn(conn); err != nil {
		s.logger.Warn("could not prepare connection, discarding",
			"remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	sess := newSession(s, conn, lb)

	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	started := pool.TryGo(func() error {
		sess.run()
		return nil
	})
	if !started {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.metrics.sessionsRefused.Inc()
		s.logger.Warn("session limit reached, refusing connection",
			"remote", conn.RemoteAddr().String(), "limit", s.opts.MaxSessions)
		conn.Close()
		return
	}

	s.metrics.sessionsTotal.Inc()
	s.metrics.sessionsActive.Inc()
	s.logger.Info("connection accepted", "session_id", sess.ID(), "remote", conn.RemoteAddr().String())

	e := newEvent(EventSessionOpened)
	e.SessionID = sess.ID()
	e.Detail = conn.RemoteAddr().String()
	s.observer.Notify(e)
}

// prepareConn applies the stream options used for game traffic. Only plain
// TCP connections are tuned; tunnelled connections are used as they are.
func prepareConn(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return errors.Join(
		tcp.SetNoDelay(true),
		tcp.SetKeepAlive(true),
		tcp.SetKeepAlivePeriod(keepAlivePeriod),
	)
}

func (s *Server) sessionClosed(sess *Session) {
	s.mu.Lock()
	_, tracked := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()

	s.metrics.sessionsActive.Dec()

	if tracked {
		e := newEvent(EventSessionClosed)
		e.SessionID = sess.ID()
		s.observer.Notify(e)
	}
}

// Stop tells every player the server is going down, stops accepting and
// drops the lobby and all matches. Sessions flush their queued output and
// close on their own goroutines.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		s.logger.Info("stop requested but server is not running")
		return
	}

	s.mu.Lock()
	sessions := lo.Keys(s.sessions)
	ln := s.listener
	lb := s.lobby
	done := s.acceptDone
	s.mu.Unlock()

	s.logger.Info("shutting down server", "sessions", len(sessions))
	for _, sess := range sessions {
		if sess.Send(protocol.NewServerDown()) {
			sess.logger.Debug("server down notice queued")
		} else {
			sess.logger.Warn("could not send server down notice")
		}
		sess.serverShuttingDown()
	}

	s.accepting.Store(false)
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("closing listener failed", "error", err)
	}
	<-done
	lb.Stop()

	s.mu.Lock()
	s.sessions = make(map[*Session]struct{})
	s.listener = nil
	s.lobby = nil
	s.mu.Unlock()

	s.logger.Info("server stopped")
	s.observer.Notify(newEvent(EventServerDown))
}

// IsRunning reports whether the server is accepting players
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listening address, or nil when stopped
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// LocalHostName returns the host name players can connect to
func (s *Server) LocalHostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		s.logger.Warn("could not detect host name", "error", err)
		return HostNameUnknown
	}
	return name
}

// Status returns a snapshot of sessions, the lobby and live matches
func (s *Server) Status() Status {
	s.mu.Lock()
	lb := s.lobby
	sessions := lo.Keys(s.sessions)
	addr := ""
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	s.mu.Unlock()

	status := Status{
		Running:  s.IsRunning(),
		Address:  addr,
		HostName: s.LocalHostName(),
		Sessions: lo.Map(sessions, func(sess *Session, _ int) SessionInfo { return sess.Info() }),
		Lobby:    []LobbyEntry{},
		Matches:  []MatchInfo{},
	}
	if lb != nil {
		entries, matches := lb.Snapshot()
		if entries != nil {
			status.Lobby = entries
		}
		if matches != nil {
			status.Matches = matches
		}
	}
	return status
}
