package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
)

const defaultDialTimeout = 5 * time.Second

// TCP connects to a receiver's eISCP port.
type TCP struct {
	Addr        string
	DialTimeout time.Duration
}

func (t TCP) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return t.dial(ctx, t.Addr)
}

func (t TCP) dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

func (t TCP) Encoding() iscp.Encoding { return iscp.EISCP }

func (t TCP) String() string { return "tcp " + t.Addr }

// Discovery locates a receiver by broadcast, then connects to it over TCP.
type Discovery struct {
	Config iscp.DiscoverConfig
	Dial   TCP

	mu    sync.Mutex
	found *iscp.Device
}

func (d *Discovery) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	dev, err := iscp.Discover(ctx, d.Config)
	if err != nil {
		return nil, fmt.Errorf("transport: discover: %w", err)
	}
	d.mu.Lock()
	d.found = &dev
	d.mu.Unlock()
	return d.Dial.dial(ctx, dev.Addr())
}

// Found returns the receiver that answered discovery, if any has yet.
func (d *Discovery) Found() (iscp.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.found == nil {
		return iscp.Device{}, false
	}
	return *d.found, true
}

func (d *Discovery) Encoding() iscp.Encoding { return iscp.EISCP }

func (d *Discovery) String() string {
	if dev, ok := d.Found(); ok {
		return fmt.Sprintf("discovered %s at %s", dev.Model, dev.Addr())
	}
	return DiscoverDevice
}
