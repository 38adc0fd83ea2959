// Package onkyo is an asynchronous client for Onkyo/Integra receivers.
//
// A Client owns one connection to one receiver. All connection state lives
// on a single event loop goroutine: transport reads, the outbound command
// queue, the discard timer and teardown are all handled there, one event at
// a time, so none of it needs locking. Public methods hand requests to the
// loop and return without waiting for I/O.
//
// Inbound frames are delivered to the Callback in the order they were read.
// Commands are written in the order they were issued, one per read cycle.
// There is no request/response pairing: receivers send status frames
// whenever they like, and callers match frames to commands by content.
package onkyo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"github.com/shaunagostinho/onkyo-remote/internal/transport"
	"go.uber.org/zap"
)

// Callback receives every inbound frame: the three letter command, its
// argument, and the client it arrived on. It runs on the client's event
// loop, so it must not block and must not call Close or Stats.
type Callback func(cmd, arg string, c *Client)

// State is the connection lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	DefaultDiscardTimeout   = time.Second
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
)

type options struct {
	port             int
	baudRate         int
	discardTimeout   time.Duration
	ackTimeout       time.Duration
	writeTimeout     time.Duration
	discoveryTimeout time.Duration
	log              *zap.Logger
	onClose          func(error)
	transport        transport.Transport
}

// Option configures a Client.
type Option func(*options)

// WithPort sets the TCP port used when the device string has none.
func WithPort(port int) Option { return func(o *options) { o.port = port } }

// WithBaudRate sets the serial port speed.
func WithBaudRate(baud int) Option { return func(o *options) { o.baudRate = baud } }

// WithDiscardTimeout sets how long a partial frame may sit in the read
// buffer before it is thrown away. Zero disables discarding.
func WithDiscardTimeout(d time.Duration) Option {
	return func(o *options) { o.discardTimeout = d }
}

// WithAckTimeout lets the next queued command go out when the receiver has
// not sent anything for d after the previous write. Zero (the default)
// waits for an inbound frame.
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) { o.ackTimeout = d }
}

// WithWriteTimeout bounds each write on transports that support deadlines.
// A write that runs past it is a fatal error. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithDiscoveryTimeout bounds the wait for a discovery reply.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.discoveryTimeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithOnClose registers fn to run once when the connection is torn down,
// with the reason. It runs on the event loop after Done is closed.
func WithOnClose(fn func(reason error)) Option {
	return func(o *options) { o.onClose = fn }
}

// WithTransport uses t instead of parsing the device string.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// Client is a connection to one receiver.
type Client struct {
	device string
	cb     Callback
	log    *zap.Logger
	tr     transport.Transport
	enc    iscp.Encoding
	split  iscp.Splitter

	discardTimeout time.Duration
	ackTimeout     time.Duration
	writeTimeout   time.Duration
	onClose        func(error)

	state    atomic.Int32
	opened   *Completion
	done     chan struct{}
	closeErr error // set by the loop before done is closed

	// Hand-off from public methods to the loop.
	mu        sync.Mutex
	inbox     []request
	exited    bool
	wake      chan struct{}
	live      *handle // open transport, closable from any goroutine
	requested error   // reason of the first Cleanup call

	opens chan openEvent
	reads chan readEvent

	// Owned by the event loop.
	conn       *handle
	cancelOpen context.CancelFunc
	buf        []byte
	queue      []*pendingCommand
	awaiting   bool
	discard    *time.Timer
	ack        *time.Timer
	closed     bool
}

// New creates a client for device and starts opening it in the background.
// device is "discover", "host[:port]" or a serial device path; empty means
// "discover". The only synchronous failures are a nil callback and an
// unusable device string; connection failures are reported through Opened.
//
// Callers own the client and must release it with Close (or Cleanup).
func New(device string, cb Callback, opts ...Option) (*Client, error) {
	if cb == nil {
		return nil, ErrNoCallback
	}
	o := options{
		port:             iscp.DefaultPort,
		discardTimeout:   DefaultDiscardTimeout,
		writeTimeout:     DefaultWriteTimeout,
		discoveryTimeout: DefaultDiscoveryTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if device == "" {
		device = transport.DiscoverDevice
	}

	tr := o.transport
	if tr == nil {
		var err error
		tr, err = transport.Parse(device, transport.Config{
			Port:             o.port,
			BaudRate:         o.baudRate,
			DiscoveryTimeout: o.discoveryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("onkyo: %w", err)
		}
	}

	c := &Client{
		device:         device,
		cb:             cb,
		log:            o.log.Named("onkyo"),
		tr:             tr,
		enc:            tr.Encoding(),
		split:          tr.Encoding().Splitter(),
		discardTimeout: o.discardTimeout,
		ackTimeout:     o.ackTimeout,
		writeTimeout:   o.writeTimeout,
		onClose:        o.onClose,
		opened:         newCompletion(),
		done:           make(chan struct{}),
		wake:           make(chan struct{}, 1),
		opens:          make(chan openEvent),
		reads:          make(chan readEvent),
	}
	c.state.Store(int32(StateOpening))
	go c.run()
	return c, nil
}

// Device returns the device string the client was created with.
func (c *Client) Device() string { return c.device }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Opened resolves when the transport is open, or fails with a
// *ConnectError (or the cleanup reason if cleaned up first).
func (c *Client) Opened() *Completion { return c.opened }

// Done is closed once the connection has been cleaned up.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the cleanup reason after Done is closed, nil before.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Command renders text as an ISCP message and queues it. The returned
// Completion resolves when the message has been written to the transport,
// not when the receiver answers.
func (c *Client) Command(text string) *Completion {
	msg, err := iscp.Pack(text)
	if err != nil {
		return failed(err)
	}
	return c.send(c.enc.Encode(msg), text)
}

// Cleanup tears the connection down with reason. It is safe to call any
// number of times from any goroutine, including the callback; only the
// first call has an effect. A nil reason means ErrClientClosed.
//
// The transport is closed right away, so a write stuck on a peer that
// stopped reading returns and the loop can finish the teardown.
func (c *Client) Cleanup(reason error) {
	if reason == nil {
		reason = ErrClientClosed
	}
	c.mu.Lock()
	if c.requested == nil {
		c.requested = reason
	}
	live := c.live
	c.mu.Unlock()

	c.post(request{cleanup: reason})
	if live != nil {
		live.Close()
	}
}

// Close cleans up and waits for the event loop to finish. Use it as the
// scoped release: defer c.Close().
func (c *Client) Close() error {
	c.Cleanup(ErrClientClosed)
	<-c.done
	return nil
}

// Stats is a snapshot of the connection internals.
type Stats struct {
	State     State  `json:"-"`
	StateName string `json:"state"`
	Transport string `json:"transport"`
	Queued    int    `json:"queued"`
	Buffered  int    `json:"buffered"`
	Awaiting  bool   `json:"awaiting"`
}

// Stats asks the event loop for a snapshot.
func (c *Client) Stats() Stats {
	ch := make(chan Stats, 1)
	if !c.post(request{stats: ch}) {
		return c.closedStats()
	}
	select {
	case s := <-ch:
		return s
	case <-c.done:
		return c.closedStats()
	}
}

func (c *Client) closedStats() Stats {
	return Stats{State: StateClosed, StateName: StateClosed.String(), Transport: c.tr.String()}
}

// request is one hand-off to the event loop.
type request struct {
	cmd     *pendingCommand
	cleanup error
	stats   chan<- Stats
}

// post hands r to the loop. It reports false once the loop has exited.
func (c *Client) post(r request) bool {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return false
	}
	c.inbox = append(c.inbox, r)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) setState(s State) { c.state.Store(int32(s)) }
