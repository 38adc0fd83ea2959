package onkyo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"go.uber.org/zap/zaptest"
)

// fakeConn is an in-memory transport handle. The test writes receiver
// output into w; everything the client writes shows up on writes.
type fakeConn struct {
	r        *io.PipeReader
	w        *io.PipeWriter
	writes   chan []byte
	closes   atomic.Int32
	timeouts atomic.Int32 // reads that fail with a deadline error first
	writeErr error        // returned by every Write when set
}

func newFakeConn() *fakeConn {
	r, w := io.Pipe()
	return &fakeConn{r: r, w: w, writes: make(chan []byte, 16)}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.timeouts.Add(-1) >= 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return f.r.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	return f.r.Close()
}

type fakeTransport struct {
	enc  iscp.Encoding
	gate chan struct{} // Open blocks until closed when non-nil
	err  error
	conn *fakeConn
	rw   io.ReadWriteCloser // returned instead of conn when set
}

func (f *fakeTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.rw != nil {
		return f.rw, nil
	}
	return f.conn, nil
}

func (f *fakeTransport) Encoding() iscp.Encoding { return f.enc }
func (f *fakeTransport) String() string          { return "fake" }

type harness struct {
	c      *Client
	conn   *fakeConn
	tr     *fakeTransport
	frames chan iscp.Frame
}

func newHarness(t *testing.T, tr *fakeTransport, opts ...Option) *harness {
	t.Helper()
	if tr.conn == nil {
		tr.conn = newFakeConn()
	}
	h := &harness{conn: tr.conn, tr: tr, frames: make(chan iscp.Frame, 16)}
	cb := func(cmd, arg string, c *Client) {
		if c != h.c {
			t.Errorf("callback got client %p, want %p", c, h.c)
		}
		h.frames <- iscp.Frame{Command: cmd, Argument: arg}
	}
	opts = append([]Option{WithTransport(tr), WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New("localhost:60128", cb, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	t.Cleanup(func() { c.Close() })
	return h
}

func (h *harness) waitOpen(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.c.Opened().Wait(ctx); err != nil {
		t.Fatalf("Opened: %v", err)
	}
}

func (h *harness) expectFrame(t *testing.T, want iscp.Frame) {
	t.Helper()
	select {
	case f := <-h.frames:
		if f != want {
			t.Fatalf("frame = %v, want %v", f, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for frame %v", want)
	}
}

func (h *harness) expectWrite(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-h.conn.writes:
		if !bytes.Equal(got, want) {
			t.Fatalf("write = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for write %q", want)
	}
}

func (h *harness) expectNoWrite(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.conn.writes:
		t.Fatalf("unexpected write %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitBuffered polls until the read buffer holds n bytes. Reads reach the
// event loop asynchronously, so a single Stats call can run too early.
func (h *harness) waitBuffered(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.c.Stats().Buffered != n {
		if time.Now().After(deadline) {
			t.Fatalf("buffered = %d, want %d", h.c.Stats().Buffered, n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not cleaned up in time")
	}
}

func TestNew_RequiresCallback(t *testing.T) {
	if _, err := New("localhost:60128", nil); !errors.Is(err, ErrNoCallback) {
		t.Fatalf("err = %v, want ErrNoCallback", err)
	}
}

func TestNew_BadDevice(t *testing.T) {
	if _, err := New("host:http", func(string, string, *Client) {}); err == nil {
		t.Fatal("New accepted a bad device string")
	}
}

func TestClient_TwoFramesInOneRead(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP})
	h.waitOpen(t)

	data := append(iscp.EISCP.Encode("PWR01"), iscp.EISCP.Encode("PWR00")...)
	if _, err := h.conn.w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.expectFrame(t, iscp.Frame{Command: "PWR", Argument: "01"})
	h.expectFrame(t, iscp.Frame{Command: "PWR", Argument: "00"})
}

func TestClient_SerialFraming(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.Serial})
	h.waitOpen(t)

	h.conn.w.Write([]byte("!1MVL2A\x1a!1AMT01\x1a\r\n"))
	h.expectFrame(t, iscp.Frame{Command: "MVL", Argument: "2A"})
	h.expectFrame(t, iscp.Frame{Command: "AMT", Argument: "01"})

	done := h.c.Command("power on")
	h.expectWrite(t, []byte("!1PWR01\r"))
	if err := done.Wait(context.Background()); err != nil {
		t.Fatalf("completion: %v", err)
	}
}

func TestClient_CommandBeforeOpen(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP, gate: gate})

	first := h.c.Command("volume up")
	second := h.c.Command("power on")
	h.expectNoWrite(t)
	if h.c.State() != StateOpening {
		t.Fatalf("state = %v, want opening", h.c.State())
	}

	close(gate)
	h.waitOpen(t)
	h.expectWrite(t, iscp.EISCP.Encode("MVLUP"))
	h.expectNoWrite(t)

	if err := first.Wait(context.Background()); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	select {
	case <-second.Done():
		t.Fatal("second command resolved before it was written")
	default:
	}

	h.conn.w.Write(iscp.EISCP.Encode("MVL20"))
	h.expectFrame(t, iscp.Frame{Command: "MVL", Argument: "20"})
	h.expectWrite(t, iscp.EISCP.Encode("PWR01"))
	if err := second.Wait(context.Background()); err != nil {
		t.Fatalf("second completion: %v", err)
	}
}

func TestClient_OneWritePerTrigger(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP})
	h.waitOpen(t)

	h.c.Command("power on")
	h.expectWrite(t, iscp.EISCP.Encode("PWR01"))

	h.c.Command("volume up")
	h.c.Command("mute on")
	h.expectNoWrite(t)

	h.conn.w.Write(iscp.EISCP.Encode("PWR01"))
	h.expectFrame(t, iscp.Frame{Command: "PWR", Argument: "01"})
	h.expectWrite(t, iscp.EISCP.Encode("MVLUP"))
	h.expectNoWrite(t)

	h.conn.w.Write(iscp.EISCP.Encode("MVL21"))
	h.expectFrame(t, iscp.Frame{Command: "MVL", Argument: "21"})
	h.expectWrite(t, iscp.EISCP.Encode("AMT01"))
}

func TestClient_AckTimeout(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP}, WithAckTimeout(30*time.Millisecond))
	h.waitOpen(t)

	h.c.Command("power on")
	h.c.Command("volume up")
	h.expectWrite(t, iscp.EISCP.Encode("PWR01"))
	h.expectWrite(t, iscp.EISCP.Encode("MVLUP"))
}

func TestClient_UnknownCommand(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP})
	h.waitOpen(t)

	done := h.c.Command("make coffee")
	if err := done.Wait(context.Background()); !errors.Is(err, iscp.ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	h.expectNoWrite(t)
}

func TestClient_DiscardTimeout(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP}, WithDiscardTimeout(150*time.Millisecond))
	h.waitOpen(t)

	pkt := iscp.EISCP.Encode("PWR01")
	h.conn.w.Write(pkt[:10])
	h.waitBuffered(t, 10)
	h.waitBuffered(t, 0)

	// The tail of the discarded packet is junk now; only the next whole
	// packet comes through.
	h.conn.w.Write(append(pkt[10:], iscp.EISCP.Encode("PWR00")...))
	h.expectFrame(t, iscp.Frame{Command: "PWR", Argument: "00"})
	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_PartialFrameKeptBeforeTimeout(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP}, WithDiscardTimeout(time.Minute))
	h.waitOpen(t)

	pkt := iscp.EISCP.Encode("SLI10")
	h.conn.w.Write(pkt[:5])
	h.waitBuffered(t, 5)
	h.conn.w.Write(pkt[5:])
	h.expectFrame(t, iscp.Frame{Command: "SLI", Argument: "10"})
	if got := h.c.Stats().Buffered; got != 0 {
		t.Fatalf("buffered = %d, want 0", got)
	}
}

func TestClient_EOF(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP})
	h.waitOpen(t)

	h.conn.w.Close()
	h.waitDone(t)

	if !errors.Is(h.c.Err(), ErrConnectionClosed) {
		t.Fatalf("Err = %v, want ErrConnectionClosed", h.c.Err())
	}
	if h.c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", h.c.State())
	}

	done := h.c.Command("power on")
	if err := done.Wait(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("command after EOF err = %v", err)
	}
	h.expectNoWrite(t)
}

func TestClient_FatalErrorCleansUpOnce(t *testing.T) {
	var closes atomic.Int32
	boom := errors.New("boom")
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP}, WithOnClose(func(error) { closes.Add(1) }))
	h.waitOpen(t)

	queued := h.c.Command("power on")
	h.expectWrite(t, iscp.EISCP.Encode("PWR01"))
	pending := h.c.Command("volume up")

	h.conn.w.CloseWithError(boom)
	h.waitDone(t)

	if !errors.Is(h.c.Err(), boom) {
		t.Fatalf("Err = %v, want boom", h.c.Err())
	}
	if err := queued.Err(); err != nil {
		t.Fatalf("written command err = %v", err)
	}
	if err := pending.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("queued command err = %v, want boom", err)
	}

	h.c.Cleanup(nil)
	if err := h.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := closes.Load(); n != 1 {
		t.Fatalf("onClose ran %d times, want 1", n)
	}
	if n := h.conn.closes.Load(); n != 1 {
		t.Fatalf("transport closed %d times, want 1", n)
	}
}

func TestClient_CleanupIdempotent(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP})
	h.waitOpen(t)

	first := errors.New("first")
	h.c.Cleanup(first)
	h.c.Cleanup(errors.New("second"))
	h.waitDone(t)
	h.c.Cleanup(nil)
	h.c.Close()
	h.c.Close()

	if !errors.Is(h.c.Err(), first) {
		t.Fatalf("Err = %v, want first", h.c.Err())
	}
	if h.c.State() != StateClosed {
		t.Fatalf("state = %v", h.c.State())
	}
	if s := h.c.Stats(); s.State != StateClosed || s.Buffered != 0 || s.Queued != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestClient_OpenFailure(t *testing.T) {
	refused := errors.New("connection refused")
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP, err: refused})

	err := h.c.Opened().Wait(context.Background())
	if !IsConnectError(err) || !errors.Is(err, refused) {
		t.Fatalf("Opened err = %v, want ConnectError wrapping refused", err)
	}
	h.waitDone(t)
	if h.c.State() != StateClosed {
		t.Fatalf("state = %v", h.c.State())
	}
}

func TestClient_CloseWhileOpening(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP, gate: make(chan struct{})})
	pending := h.c.Command("power on")

	h.c.Close()

	if err := h.c.Opened().Err(); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Opened err = %v, want ErrClientClosed", err)
	}
	if err := pending.Err(); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("pending err = %v, want ErrClientClosed", err)
	}
}

func TestClient_CleanupFromCallback(t *testing.T) {
	var h *harness
	tr := &fakeTransport{enc: iscp.EISCP, conn: newFakeConn()}
	c, err := New("localhost:60128", func(cmd, arg string, c *Client) {
		c.Cleanup(nil)
	}, WithTransport(tr), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h = &harness{c: c, conn: tr.conn, tr: tr}
	defer c.Close()
	h.waitOpen(t)

	h.conn.w.Write(iscp.EISCP.Encode("PWR01"))
	h.waitDone(t)
	if !errors.Is(c.Err(), ErrClientClosed) {
		t.Fatalf("Err = %v", c.Err())
	}
}

func TestClient_ReadTimeoutIsNotFatal(t *testing.T) {
	conn := newFakeConn()
	conn.timeouts.Store(1)
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP, conn: conn})
	h.waitOpen(t)

	h.conn.w.Write(iscp.EISCP.Encode("PWR01"))
	h.expectFrame(t, iscp.Frame{Command: "PWR", Argument: "01"})

	if h.c.State() != StateOpen || h.c.Err() != nil {
		t.Fatalf("state = %v err = %v, want open", h.c.State(), h.c.Err())
	}
	if n := conn.timeouts.Load(); n >= 0 {
		t.Fatalf("timeout read never happened (%d left)", n)
	}
}

func TestClient_WriteErrorIsFatal(t *testing.T) {
	var closes atomic.Int32
	broken := errors.New("broken pipe")
	conn := newFakeConn()
	conn.writeErr = broken
	gate := make(chan struct{})
	h := newHarness(t, &fakeTransport{enc: iscp.EISCP, conn: conn, gate: gate},
		WithOnClose(func(error) { closes.Add(1) }))

	first := h.c.Command("power on")
	second := h.c.Command("volume up")
	close(gate)
	h.waitDone(t)

	if err := first.Err(); !errors.Is(err, broken) {
		t.Fatalf("written command err = %v, want broken", err)
	}
	if err := second.Err(); !errors.Is(err, broken) {
		t.Fatalf("queued command err = %v, want broken", err)
	}
	if !errors.Is(h.c.Err(), broken) {
		t.Fatalf("Err = %v, want broken", h.c.Err())
	}

	h.c.Close()
	if n := closes.Load(); n != 1 {
		t.Fatalf("onClose ran %d times, want 1", n)
	}
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("transport closed %d times, want 1", n)
	}
}

// stalledPeer opens one end of a net.Pipe whose other end never reads.
func stalledPeer(t *testing.T) *fakeTransport {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	return &fakeTransport{enc: iscp.EISCP, rw: local}
}

func TestClient_CloseUnblocksStalledWrite(t *testing.T) {
	c, err := New("localhost:60128", func(string, string, *Client) {},
		WithTransport(stalledPeer(t)), WithWriteTimeout(0), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Opened().Wait(ctx); err != nil {
		t.Fatalf("Opened: %v", err)
	}

	pending := c.Command("power on")
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close blocked behind a write, state = %v", c.State())
	}

	if err := pending.Err(); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("command err = %v, want ErrClientClosed", err)
	}
	if !errors.Is(c.Err(), ErrClientClosed) {
		t.Fatalf("Err = %v, want ErrClientClosed", c.Err())
	}
}

func TestClient_WriteTimeout(t *testing.T) {
	c, err := New("localhost:60128", func(string, string, *Client) {},
		WithTransport(stalledPeer(t)), WithWriteTimeout(50*time.Millisecond), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	pending := c.Command("power on")
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("write deadline never fired")
	}
	if err := pending.Err(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("command err = %v, want deadline exceeded", err)
	}
	if !errors.Is(c.Err(), os.ErrDeadlineExceeded) {
		t.Fatalf("Err = %v, want deadline exceeded", c.Err())
	}
}

func TestClient_SerialTrailingTerminatorsConsumed(t *testing.T) {
	h := newHarness(t, &fakeTransport{enc: iscp.Serial})
	h.waitOpen(t)

	h.conn.w.Write([]byte("!1PWR01\x1a"))
	h.expectFrame(t, iscp.Frame{Command: "PWR", Argument: "01"})
	h.conn.w.Write([]byte("\r\n"))
	h.conn.w.Write([]byte("!1MV"))
	h.waitBuffered(t, len("!1MV"))

	h.conn.w.Write([]byte("L20\x1a\r\n"))
	h.expectFrame(t, iscp.Frame{Command: "MVL", Argument: "20"})
	h.waitBuffered(t, 0)
}
