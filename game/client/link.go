package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wricardo/dscars/game/protocol"
)

var (
	ErrLinkClosed  = errors.New("connection closed")
	ErrQueueFull   = errors.New("outbound queue full")
	ErrSendTimeout = errors.New("send timed out")
)

const (
	outboundQueued int32 = iota
	outboundWriting
	outboundWithdrawn
)

type outbound struct {
	msg    protocol.Message
	result chan error
	// state is shared by send and the writer when a caller waits for the
	// result; the writer skips a withdrawn message.
	state *atomic.Int32
}

// link is one live connection to the server. A reader goroutine decodes
// every inbound message into inbox; a writer goroutine encodes everything
// queued on out. Nothing else touches the socket.
type link struct {
	conn         net.Conn
	enc          protocol.Encoder
	dec          protocol.Decoder
	logger       *slog.Logger
	writeTimeout time.Duration
	onSendFailed func(error)

	inbox chan protocol.Message
	out   chan outbound

	closed    chan struct{}
	closeOnce sync.Once

	// failed is closed on the first write failure
	failed     chan struct{}
	failedOnce sync.Once

	mu      sync.Mutex
	readErr error
}

type linkConfig struct {
	codec        protocol.Codec
	logger       *slog.Logger
	writeTimeout time.Duration
	inboxSize    int
	queueSize    int
	onSendFailed func(error)
}

func newLink(conn net.Conn, cfg linkConfig) *link {
	l := &link{
		conn:         conn,
		enc:          cfg.codec.NewEncoder(conn),
		dec:          cfg.codec.NewDecoder(conn),
		logger:       cfg.logger,
		writeTimeout: cfg.writeTimeout,
		onSendFailed: cfg.onSendFailed,
		inbox:        make(chan protocol.Message, cfg.inboxSize),
		out:          make(chan outbound, cfg.queueSize),
		closed:       make(chan struct{}),
		failed:       make(chan struct{}),
	}
	go l.readLoop()
	go l.writeLoop()
	return l
}

func (l *link) readLoop() {
	defer close(l.inbox)

	for {
		var msg protocol.Message
		if err := l.dec.Decode(&msg); err != nil {
			l.mu.Lock()
			l.readErr = err
			l.mu.Unlock()
			if l.isClosed() {
				l.logger.Debug("reader stopped after close", "error", err)
			} else {
				l.logger.Warn("read failed", "error", err)
			}
			return
		}

		select {
		case l.inbox <- msg:
		case <-l.closed:
			return
		}
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case o := <-l.out:
			if o.state != nil && !o.state.CompareAndSwap(outboundQueued, outboundWriting) {
				l.logger.Debug("skipping withdrawn message", "kind", o.msg.Kind)
				continue
			}
			err := l.write(o.msg)
			if o.result != nil {
				o.result <- err
			} else if err != nil {
				l.sendFailed(err)
			}
		case <-l.closed:
			return
		}
	}
}

func (l *link) write(msg protocol.Message) error {
	if l.writeTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if err := l.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

func (l *link) sendFailed(err error) {
	l.failedOnce.Do(func() {
		l.logger.Error("send failed", "error", err)
		close(l.failed)
		if l.onSendFailed != nil {
			l.onSendFailed(err)
		}
	})
}

// send queues msg and waits until it has been written or timeout elapses.
// A zero timeout waits for as long as the link is open. When the timeout
// hits while msg is still queued, msg is withdrawn and never written; once
// the writer has picked it up, send waits for the write's own result.
func (l *link) send(msg protocol.Message, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	o := outbound{msg: msg, result: make(chan error, 1), state: new(atomic.Int32)}
	select {
	case l.out <- o:
	case <-l.closed:
		return ErrLinkClosed
	case <-expired:
		return fmt.Errorf("send %s: %w", msg.Kind, ErrQueueFull)
	}

	select {
	case err := <-o.result:
		return err
	case <-l.closed:
		return ErrLinkClosed
	case <-expired:
		if o.state.CompareAndSwap(outboundQueued, outboundWithdrawn) {
			return fmt.Errorf("send %s: %w", msg.Kind, ErrSendTimeout)
		}
	}

	select {
	case err := <-o.result:
		return err
	case <-l.closed:
		return ErrLinkClosed
	}
}

// sendAsync queues msg without waiting. Write failures are reported through
// onSendFailed.
func (l *link) sendAsync(msg protocol.Message) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	select {
	case l.out <- outbound{msg: msg}:
		return nil
	case <-l.closed:
		return ErrLinkClosed
	default:
		l.logger.Warn("outbound queue full, dropping message", "kind", msg.Kind)
		return ErrQueueFull
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.logger.Debug("close failed", "error", err)
		}
	})
}

func (l *link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *link) readError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr == nil {
		return ErrLinkClosed
	}
	return l.readErr
}
