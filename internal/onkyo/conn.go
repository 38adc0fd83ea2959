package onkyo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"go.uber.org/zap"
)

const readBufSize = 4096

type openEvent struct {
	rw  io.ReadWriteCloser
	err error
}

type readEvent struct {
	data []byte
	err  error
}

// handle is the open transport. Close may be called from the loop and from
// Cleanup callers; the transport is closed once.
type handle struct {
	io.ReadWriteCloser
	once sync.Once
	err  error
}

func (h *handle) Close() error {
	h.once.Do(func() { h.err = h.ReadWriteCloser.Close() })
	return h.err
}

func (h *handle) setWriteDeadline(t time.Time) {
	if d, ok := h.ReadWriteCloser.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(t)
	}
}

// run is the event loop. It exits after cleanup.
func (c *Client) run() {
	defer c.exit()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelOpen = cancel
	c.log.Info("conn: opening", zap.Stringer("transport", c.tr))
	go c.open(ctx)

	for !c.closed {
		var discard, ack <-chan time.Time
		if c.discard != nil {
			discard = c.discard.C
		}
		if c.ack != nil {
			ack = c.ack.C
		}

		select {
		case <-c.wake:
			c.drainInbox()
		case ev := <-c.opens:
			c.handleOpen(ev)
		case ev := <-c.reads:
			c.handleRead(ev)
		case <-discard:
			c.discardBuffer()
		case <-ack:
			c.ack = nil
			c.log.Debug("queue: no reply before ack timeout")
			c.triggerNextWrite()
		}
	}
}

// exit fails whatever was handed in after the last drain and reports the
// close.
func (c *Client) exit() {
	c.mu.Lock()
	c.exited = true
	late := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, r := range late {
		c.reject(r)
	}
	close(c.done)
	if c.onClose != nil {
		c.onClose(c.closeErr)
	}
}

func (c *Client) reject(r request) {
	switch {
	case r.cmd != nil:
		r.cmd.done.resolve(c.closeErr)
	case r.stats != nil:
		r.stats <- c.stats()
	}
}

func (c *Client) drainInbox() {
	c.mu.Lock()
	reqs := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, r := range reqs {
		if c.closed {
			c.reject(r)
			continue
		}
		switch {
		case r.cleanup != nil:
			c.cleanup(r.cleanup)
		case r.stats != nil:
			r.stats <- c.stats()
		case r.cmd != nil:
			c.enqueue(r.cmd)
		}
	}
}

func (c *Client) stats() Stats {
	s := c.State()
	return Stats{
		State:     s,
		StateName: s.String(),
		Transport: c.tr.String(),
		Queued:    len(c.queue),
		Buffered:  len(c.buf),
		Awaiting:  c.awaiting,
	}
}

// open runs the transport open off the loop and posts the result.
func (c *Client) open(ctx context.Context) {
	rw, err := c.tr.Open(ctx)
	select {
	case c.opens <- openEvent{rw: rw, err: err}:
	case <-c.done:
		if rw != nil {
			rw.Close()
		}
	}
}

func (c *Client) handleOpen(ev openEvent) {
	if ev.err != nil {
		err := &ConnectError{Device: c.device, Err: ev.err}
		c.log.Error("conn: open failed", zap.String("device", c.device), zap.Error(ev.err))
		c.opened.resolve(err)
		c.cleanup(err)
		return
	}

	h := &handle{ReadWriteCloser: ev.rw}
	c.mu.Lock()
	c.live = h
	c.mu.Unlock()
	if r := c.requestedReason(); r != nil {
		// Cleanup ran while the transport was being opened.
		h.Close()
		c.cleanup(r)
		return
	}

	c.conn = h
	c.setState(StateOpen)
	c.log.Info("conn: connected", zap.Stringer("transport", c.tr))
	c.opened.resolve(nil)

	go c.readLoop(h)
	c.triggerNextWrite()
}

// readLoop copies transport reads into the event loop until the transport
// fails or the loop exits.
func (c *Client) readLoop(rw io.Reader) {
	buf := make([]byte, readBufSize)
	for {
		n, err := rw.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		ev := readEvent{err: err}
		if n > 0 {
			ev.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case c.reads <- ev:
		case <-c.done:
			return
		}
		if err != nil && !isTimeout(err) {
			return
		}
	}
}

func (c *Client) handleRead(ev readEvent) {
	if c.conn == nil {
		return
	}
	if len(ev.data) > 0 {
		c.feed(ev.data)
	}
	if ev.err == nil || c.closed {
		return
	}

	if r := c.requestedReason(); r != nil {
		// The transport was closed under the reader by Cleanup.
		c.cleanup(r)
		return
	}
	switch {
	case errors.Is(ev.err, io.EOF):
		c.log.Info("conn: end of stream")
		c.cleanup(ErrConnectionClosed)
	case isTimeout(ev.err):
		c.log.Debug("conn: read timeout", zap.Error(ev.err))
	default:
		c.log.Error("conn: read failed", zap.Error(ev.err))
		c.cleanup(fmt.Errorf("onkyo: read: %w", ev.err))
	}
}

// feed appends data to the read buffer and delivers every complete frame.
func (c *Client) feed(data []byte) {
	fresh := len(c.buf) == 0
	framed := false
	c.buf = append(c.buf, data...)

	for len(c.buf) > 0 {
		f, n, err := c.split(c.buf)
		if n == 0 {
			break
		}
		c.buf = c.buf[n:]
		if errors.Is(err, iscp.ErrEmpty) {
			continue
		}
		if err != nil {
			c.log.Warn("conn: dropping malformed data", zap.Error(err))
			continue
		}
		framed = true
		c.log.Debug("conn: received", zap.String("frame", f.String()))
		c.cb(f.Command, f.Argument, c)
		c.triggerNextWrite()
	}

	switch {
	case len(c.buf) == 0:
		c.buf = nil
		c.disarmDiscard()
	case fresh || framed:
		c.armDiscard()
	}
}

func (c *Client) armDiscard() {
	c.disarmDiscard()
	if c.discardTimeout > 0 {
		c.discard = time.NewTimer(c.discardTimeout)
	}
}

func (c *Client) disarmDiscard() {
	if c.discard != nil {
		c.discard.Stop()
		c.discard = nil
	}
}

// discardBuffer drops a partial frame that did not complete in time.
func (c *Client) discardBuffer() {
	c.discard = nil
	if len(c.buf) == 0 {
		return
	}
	c.log.Warn("conn: discarding garbage in buffer",
		zap.Int("bytes", len(c.buf)),
		zap.String("hex", hex.EncodeToString(c.buf)),
	)
	c.buf = nil
}

// cleanup is the single teardown path. Only the first call has an effect.
func (c *Client) cleanup(reason error) {
	if c.closed {
		return
	}
	if r := c.requestedReason(); r != nil {
		reason = r
	}
	c.closed = true
	c.closeErr = reason
	c.setState(StateClosing)

	c.cancelOpen()
	c.disarmDiscard()
	c.disarmAck()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("conn: close transport", zap.Error(err))
		}
		c.conn = nil
	}
	c.mu.Lock()
	c.live = nil
	c.mu.Unlock()
	c.buf = nil
	for _, cmd := range c.queue {
		cmd.done.resolve(reason)
	}
	c.queue = nil
	c.awaiting = false
	c.opened.resolve(reason)
	c.setState(StateClosed)

	if errors.Is(reason, ErrClientClosed) {
		c.log.Info("conn: closed")
	} else {
		c.log.Warn("conn: closed", zap.Error(reason))
	}
}

// requestedReason returns the reason of the first Cleanup call, or nil.
func (c *Client) requestedReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
