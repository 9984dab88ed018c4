package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wricardo/dscars/game/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAwaitingOpponent = errors.New("still waiting for an opponent")
	ErrInvalidPort      = errors.New("invalid port")
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultGoodbyeTimeout = time.Second
	DefaultQueueSize      = 64
)

// Callbacks are the client's notifications to the game. Any of them may be
// nil.
type Callbacks struct {
	// OpponentFound is called once per matchmaking wait
	OpponentFound func(resp protocol.MapResponse)
	// SendFailed is called at most once per connection
	SendFailed func(err error)
	// ConnectionLost is called when the server stops answering while the
	// client is waiting or listening
	ConnectionLost func(err error)
}

// UpdateSink receives in-game traffic from the opponent. Crash, opponent
// left and server down end the listener.
type UpdateSink struct {
	OnUpdate       func(update protocol.CarStatusUpdate)
	OnCrash        func()
	OnOpponentLeft func()
	OnServerDown   func()
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Codec          protocol.Codec
	Logger         *slog.Logger
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	GoodbyeTimeout time.Duration
	QueueSize      int
	Callbacks      Callbacks
	// Deliver runs callbacks, for example by posting them to the game's
	// main loop. It is called from a dedicated goroutine, one callback at a
	// time and in order; by default that goroutine runs them itself.
	Deliver func(fn func())
}

// task is a cancellable background goroutine: the matchmaking waiter or the
// update listener.
type task struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newTask() *task {
	return &task{stop: make(chan struct{}), done: make(chan struct{})}
}

func (t *task) halt() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

type waiter struct {
	*task
	mapName string
}

// Client is the game's connection to a matchmaking server. Every method
// returns without waiting on the server's replies; results arrive through
// Callbacks and UpdateSink.
type Client struct {
	opts    Options
	logger  *slog.Logger
	deliver func(func())

	// opMu serializes the operations that change the connection state
	opMu sync.Mutex

	mu          sync.Mutex
	link        *link
	waiter      *waiter
	listener    *task
	mapResponse *protocol.MapResponse
}

// New creates a disconnected client
func New(opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = protocol.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.GoodbyeTimeout <= 0 {
		opts.GoodbyeTimeout = DefaultGoodbyeTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	logger := opts.Logger.With("component", "client")

	// The reader, waiter and listener only ever queue callbacks, so a
	// Deliver hook that blocks cannot stall them.
	return &Client{
		opts:    opts,
		logger:  logger,
		deliver: newSerialQueue(logger, opts.Deliver).Submit,
	}
}

// Connect dials the server, replacing any previous connection, and says
// hello.
func (c *Client) Connect(ctx context.Context, address string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.closeLocked(true)

	target := net.JoinHostPort(address, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		c.logger.Error("could not connect", "address", target, "error", err)
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			conn.Close()
			c.logger.Error("could not set up stream", "address", target, "error", err)
			return fmt.Errorf("set up stream to %s: %w", target, err)
		}
	}

	l := newLink(conn, linkConfig{
		codec:        c.opts.Codec,
		logger:       c.logger.With("server", target),
		writeTimeout: c.opts.WriteTimeout,
		inboxSize:    c.opts.QueueSize,
		queueSize:    c.opts.QueueSize,
		onSendFailed: c.sendFailed,
	})

	if err := l.send(protocol.NewHello(), c.opts.WriteTimeout); err != nil {
		l.close()
		c.logger.Error("could not greet server", "address", target, "error", err)
		return fmt.Errorf("greet %s: %w", target, err)
	}

	c.mu.Lock()
	c.link = l
	c.mapResponse = nil
	c.mu.Unlock()

	c.logger.Info("connected", "address", target)
	return nil
}

// RequestOpponent asks the server for an opponent on mapName. Asking again
// for the same map while waiting does nothing; asking for another map
// cancels the first request.
func (c *Client) RequestOpponent(mapName string, carIndex int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	l := c.link
	w := c.waiter
	c.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}

	if w != nil && w.running() {
		if w.mapName == mapName {
			c.logger.Info("already waiting for an opponent", "map", mapName)
			return nil
		}
		w.halt()
		c.logger.Info("changing map, cancelling previous request", "from", w.mapName, "to", mapName)
		if err := l.send(protocol.NewCancelLookingForOpponent(), c.opts.WriteTimeout); err != nil {
			return err
		}
	}

	if err := l.send(protocol.NewMapRequest(mapName, carIndex), c.opts.WriteTimeout); err != nil {
		return err
	}

	nw := &waiter{task: newTask(), mapName: mapName}
	c.mu.Lock()
	c.mapResponse = nil
	c.waiter = nw
	c.mu.Unlock()

	c.logger.Info("looking for an opponent", "map", mapName, "car", carIndex)
	go c.wait(l, nw)
	return nil
}

func (c *Client) wait(l *link, w *waiter) {
	resp, found := c.awaitOpponent(l, w)
	close(w.done)

	// The waiter is finished before the game hears about the match, so the
	// callback may start listening right away.
	if found {
		if cb := c.opts.Callbacks.OpponentFound; cb != nil {
			c.deliver(func() { cb(resp) })
		}
	}
}

func (c *Client) awaitOpponent(l *link, w *waiter) (protocol.MapResponse, bool) {
	for {
		select {
		case <-w.stop:
			c.logger.Debug("stopped waiting for an opponent")
			return protocol.MapResponse{}, false

		case msg, ok := <-l.inbox:
			if !ok {
				c.lost(l, "waiting")
				return protocol.MapResponse{}, false
			}

			switch msg.Kind {
			case protocol.OpponentFoundStartGame:
				if msg.MapResponse == nil {
					c.logger.Warn("start message without payload")
					continue
				}
				resp := *msg.MapResponse
				c.mu.Lock()
				c.mapResponse = &resp
				c.mu.Unlock()

				c.logger.Info("opponent found",
					"map", resp.MapName, "slot", resp.AssignedSlot, "opponent_car", resp.CarDesignIndex)
				return resp, true

			case protocol.ServerDown:
				c.logger.Info("server is shutting down")
				l.close()
				return protocol.MapResponse{}, false

			default:
				c.logger.Debug("ignoring message while waiting", "kind", msg.Kind)
			}
		}
	}
}

// StartListening dispatches the opponent's in-game traffic to sink until a
// terminal message arrives or StopListening is called.
func (c *Client) StartListening(sink UpdateSink) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	l := c.link
	w := c.waiter
	ls := c.listener
	c.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}
	if w != nil && w.running() {
		return ErrAwaitingOpponent
	}
	if ls != nil {
		ls.halt()
	}

	nl := newTask()
	c.mu.Lock()
	c.listener = nl
	c.mu.Unlock()

	go c.listen(l, nl, sink)
	return nil
}

func (c *Client) listen(l *link, t *task, sink UpdateSink) {
	defer close(t.done)

	for {
		select {
		case <-t.stop:
			c.logger.Debug("stopped listening")
			return

		case <-l.failed:
			c.logger.Debug("stopped listening after send failure")
			return

		case msg, ok := <-l.inbox:
			if !ok {
				c.lost(l, "listening")
				return
			}

			switch msg.Kind {
			case protocol.InGamePositionUpdate:
				if msg.CarStatus == nil {
					c.logger.Warn("position update without payload")
					continue
				}
				if sink.OnUpdate != nil {
					update := *msg.CarStatus
					c.deliver(func() { sink.OnUpdate(update) })
				}

			case protocol.InGameCrash:
				c.logger.Info("opponent crashed")
				c.notify(sink.OnCrash)

			case protocol.PlayerDropped:
				c.logger.Info("opponent left")
				c.notify(sink.OnOpponentLeft)

			case protocol.ServerDown:
				c.logger.Info("server is shutting down")
				c.notify(sink.OnServerDown)

			default:
				c.logger.Debug("ignoring message while listening", "kind", msg.Kind)
			}
			if msg.IsTerminal() {
				return
			}
		}
	}
}

// StopListening stops the update listener and waits for it to exit
func (c *Client) StopListening() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopListeningLocked()
}

func (c *Client) stopListeningLocked() {
	c.mu.Lock()
	ls := c.listener
	c.listener = nil
	c.mu.Unlock()

	if ls != nil {
		ls.halt()
	}
}

// SendStatusUpdate queues the local car's state for the opponent
func (c *Client) SendStatusUpdate(update protocol.CarStatusUpdate) error {
	l := c.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	return l.sendAsync(protocol.NewStatusUpdate(update))
}

// ReportCrash tells the opponent the local car crashed and stops listening
func (c *Client) ReportCrash() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	l := c.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	err := l.sendAsync(protocol.NewInGameCrash())
	c.stopListeningLocked()
	return err
}

// LeaveLobby withdraws from matchmaking. It cancels a pending request and
// stops listening; the server does not treat it as leaving a match.
func (c *Client) LeaveLobby() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	l := c.link
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}
	if w != nil {
		w.halt()
	}
	c.stopListeningLocked()
	return l.send(protocol.NewPlayerDropped(), c.opts.WriteTimeout)
}

// Close ends the connection, optionally saying goodbye first. Closing a
// closed client does nothing.
func (c *Client) Close(sayGoodbye bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.closeLocked(sayGoodbye)
}

func (c *Client) closeLocked(sayGoodbye bool) error {
	c.mu.Lock()
	l := c.link
	w := c.waiter
	ls := c.listener
	c.link = nil
	c.waiter = nil
	c.listener = nil
	c.mu.Unlock()

	if l == nil {
		return nil
	}

	var err error
	if sayGoodbye && !l.isClosed() {
		if err = l.send(protocol.NewGoodbye(), c.opts.GoodbyeTimeout); err != nil {
			c.logger.Warn("could not say goodbye", "error", err)
		}
	}

	l.close()
	if w != nil {
		w.halt()
	}
	if ls != nil {
		ls.halt()
	}

	c.logger.Info("disconnected")
	return err
}

// MapResponse returns the start message of the current match, if any
func (c *Client) MapResponse() (protocol.MapResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mapResponse == nil {
		return protocol.MapResponse{}, false
	}
	return *c.mapResponse, true
}

// IsWaiting reports whether a matchmaking request is outstanding
func (c *Client) IsWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter != nil && c.waiter.running()
}

// IsConnected reports whether the client holds an open connection
func (c *Client) IsConnected() bool {
	l := c.currentLink()
	return l != nil && !l.isClosed()
}

func (c *Client) currentLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Client) notify(fn func()) {
	if fn != nil {
		c.deliver(fn)
	}
}

func (c *Client) sendFailed(err error) {
	if cb := c.opts.Callbacks.SendFailed; cb != nil {
		c.deliver(func() { cb(err) })
	}
}

// lost reports a broken connection unless the client closed it on purpose
func (c *Client) lost(l *link, while string) {
	if l.isClosed() {
		return
	}
	err := l.readError()
	c.logger.Warn("connection lost", "while", while, "error", err)
	if cb := c.opts.Callbacks.ConnectionLost; cb != nil {
		c.deliver(func() { cb(err) })
	}
}
