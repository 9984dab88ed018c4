package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wricardo/dscars/game/protocol"
)

// Session serves one connected player for the lifetime of its connection.
// A single goroutine reads and dispatches; a second one drains the outbound
// queue so that senders never block on the network.
type Session struct {
	id     string
	conn   net.Conn
	server *Server
	lobby  *lobby
	logger *slog.Logger

	dec          protocol.Decoder
	enc          protocol.Encoder
	threshold    int
	writeTimeout time.Duration

	out       chan protocol.Message
	flush     chan struct{}
	flushOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	match        *Match
	slot         int
	pending      *protocol.MapRequest
	saidGoodbye  bool
	serverDown   bool
	closed       bool
	fatal        bool
	recvFaults   int
	sendFaults   int
	lastActivity time.Time
}

func newSession(s *Server, conn net.Conn, lb *lobby) *Session {
	id := uuid.NewString()
	codec := s.opts.Codec
	return &Session{
		id:     id,
		conn:   conn,
		server: s,
		lobby:  lb,
		logger: s.logger.With(
			"component", "session",
			"session_id", id,
			"remote", conn.RemoteAddr().String()),
		dec:          codec.NewDecoder(conn),
		enc:          codec.NewEncoder(conn),
		threshold:    s.opts.FaultThreshold,
		writeTimeout: s.opts.WriteTimeout,
		out:          make(chan protocol.Message, s.opts.OutboundQueue),
		flush:        make(chan struct{}),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// ID returns the session's log label
func (s *Session) ID() string { return s.id }

// log returns the session logger, tagged with the slot once assigned
func (s *Session) log() *slog.Logger {
	s.mu.Lock()
	slot := s.slot
	s.mu.Unlock()
	if slot == 0 {
		return s.logger
	}
	return s.logger.With("slot", slot)
}

// Send queues msg for the writer. It reports false when the session no
// longer accepts output or the queue is full.
func (s *Session) Send(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saidGoodbye || s.closed || s.serverDown {
		return false
	}
	if s.sendFaults > s.threshold {
		if !s.fatal {
			s.fatal = true
			s.logger.Error("too many consecutive write failures, closing session",
				"faults", s.sendFaults)
			s.conn.Close()
		}
		return false
	}

	select {
	case s.out <- msg:
		return true
	default:
		s.logger.Warn("outbound queue full, dropping message", "kind", msg.Kind)
		return false
	}
}

func (s *Session) run() {
	_, span := tracer.Start(context.Background(), "session",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("session.remote", s.conn.RemoteAddr().String()),
		))
	defer span.End()

	go s.writeLoop()

	s.logger.Info("session started, waiting for messages")
	for s.alive() {
		var msg protocol.Message
		if err := s.dec.Decode(&msg); err != nil {
			if s.readFailed(err) {
				break
			}
			continue
		}

		s.mu.Lock()
		s.recvFaults = 0
		s.lastActivity = time.Now()
		s.mu.Unlock()

		if !s.dispatch(msg) {
			break
		}
	}

	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal {
		span.SetStatus(codes.Error, "transport faults")
	}
	s.teardown()
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.serverDown && !s.fatal
}

// readFailed accounts for a decode error and reports whether the read loop
// must end.
func (s *Session) readFailed(err error) bool {
	s.mu.Lock()
	expected := s.serverDown || s.saidGoodbye || s.closed || s.fatal
	if expected {
		s.mu.Unlock()
		s.logger.Debug("read ended after close was requested", "error", err)
		return true
	}
	s.recvFaults++
	faults := s.recvFaults
	if faults >= s.threshold {
		s.fatal = true
	}
	s.mu.Unlock()

	s.server.metrics.faults.WithLabelValues("recv").Inc()
	if faults >= s.threshold {
		s.log().Error("too many consecutive read failures, closing session",
			"faults", faults, "error", err)
		return true
	}
	s.log().Warn("read failed", "faults", faults, "threshold", s.threshold, "error", err)

	// A dead stream fails every read immediately; no point spinning on it.
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// dispatch handles one inbound message and reports whether to keep reading
func (s *Session) dispatch(msg protocol.Message) bool {
	if err := msg.Validate(); err != nil {
		s.log().Warn("dropping invalid message", "kind", msg.Kind, "error", err)
		return true
	}

	switch msg.Kind {
	case protocol.Hello:
		s.log().Info("player said hello")

	case protocol.LookingForOpponent:
		req := *msg.MapRequest
		s.mu.Lock()
		s.pending = &req
		s.mu.Unlock()
		s.log().Info("player is looking for an opponent",
			"map", req.MapName, "car", req.CarDesignIndex)
		s.lobby.Join(s, req)

	case protocol.CancelLookingForOpponent, protocol.PlayerDropped:
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		s.log().Info("player stopped looking for an opponent", "kind", msg.Kind)
		s.lobby.Leave(s)

	case protocol.InGamePositionUpdate, protocol.InGameCrash:
		m, slot := s.currentMatch()
		if m == nil {
			return true
		}
		m.Relay(slot, msg)

	case protocol.Goodbye:
		s.mu.Lock()
		s.saidGoodbye = true
		s.mu.Unlock()
		s.log().Info("player said goodbye")

		s.lobby.Leave(s)
		if m, slot := s.currentMatch(); m != nil {
			m.PlayerLeft(slot)
		}
		s.close()
		return false

	default:
		s.log().Warn("unexpected message kind", "kind", msg.Kind)
	}
	return true
}

func (s *Session) currentMatch() (*Match, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match, s.slot
}

// assignMatch is called by the lobby once s has been paired. The ready
// announcement runs on its own goroutine so the lobby never waits on a match.
func (s *Session) assignMatch(m *Match, slot, carIndex int) {
	s.mu.Lock()
	gone := s.saidGoodbye || s.closed || s.serverDown || s.fatal
	s.match = m
	s.slot = slot
	s.pending = nil
	s.mu.Unlock()

	if gone {
		s.logger.Info("paired after leaving, releasing slot", "match_id", m.ID(), "slot", slot)
		go m.PlayerLeft(slot)
		return
	}

	s.log().Info("opponent found", "match_id", m.ID(), "map", m.MapName())
	go m.Ready(slot, carIndex)
}

// matchEnded is called by the lobby after both members have left m
func (s *Session) matchEnded(m *Match) {
	s.mu.Lock()
	if s.match != m {
		s.mu.Unlock()
		return
	}
	s.match = nil
	s.slot = 0
	s.mu.Unlock()

	if !s.Send(protocol.NewMatchEnded()) {
		s.logger.Debug("match ended notice not sent", "match_id", m.ID())
	}
}

// serverShuttingDown stops reading and lets the writer flush what is queued
// before it closes the connection.
func (s *Session) serverShuttingDown() {
	s.mu.Lock()
	s.serverDown = true
	s.mu.Unlock()
	s.flushOnce.Do(func() { close(s.flush) })
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close failed", "error", err)
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	fatal := s.fatal
	m, slot := s.match, s.slot
	s.mu.Unlock()

	if fatal && m != nil {
		s.log().Info("player disconnected abruptly, leaving match", "match_id", m.ID())
		m.PlayerLeft(slot)
	}
	s.lobby.Leave(s)

	s.mu.Lock()
	serverDown := s.serverDown
	s.mu.Unlock()
	if !serverDown {
		s.close()
	}

	close(s.done)
	s.server.sessionClosed(s)
	s.logger.Info("session ended")
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			s.write(msg)
		case <-s.flush:
			s.drainAndClose()
			return
		case <-s.done:
			s.mu.Lock()
			serverDown := s.serverDown
			s.mu.Unlock()
			if serverDown {
				<-s.flush
				s.drainAndClose()
			}
			return
		}
	}
}

func (s *Session) drainAndClose() {
	for {
		select {
		case msg := <-s.out:
			s.write(msg)
		default:
			s.close()
			return
		}
	}
}

func (s *Session) write(msg protocol.Message) {
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	err := s.enc.Encode(msg)

	s.mu.Lock()
	if err == nil {
		s.sendFaults = 0
		s.mu.Unlock()
		return
	}
	s.sendFaults++
	faults := s.sendFaults
	s.mu.Unlock()

	s.server.metrics.faults.WithLabelValues("send").Inc()
	s.log().Warn("write failed", "kind", msg.Kind, "faults", faults, "threshold", s.threshold, "error", err)
}

// SessionInfo describes a connected player
type SessionInfo struct {
	ID           string    `json:"id"`
	Remote       string    `json:"remote"`
	MatchID      int       `json:"match_id,omitempty"`
	Slot         int       `json:"slot,omitempty"`
	WaitingFor   string    `json:"waiting_for,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:           s.id,
		Remote:       s.conn.RemoteAddr().String(),
		Slot:         s.slot,
		LastActivity: s.lastActivity,
	}
	if s.match != nil {
		info.MatchID = s.match.ID()
	}
	if s.pending != nil && s.match == nil {
		info.WaitingFor = s.pending.MapName
	}
	return info
}
