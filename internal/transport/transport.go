// Package transport opens the byte stream to a receiver: a TCP socket, a
// local serial port, a TCP socket to a receiver located by discovery, or an
// in-process simulated receiver.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
)

// DiscoverDevice is the device string that selects discovery.
const DiscoverDevice = "discover"

// Transport knows how to open one kind of receiver link. Implementations
// share the open/read/write/close contract through the returned
// io.ReadWriteCloser.
type Transport interface {
	// Open establishes the link. It may block until ctx is done.
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	// Encoding is the ISCP framing spoken on this link.
	Encoding() iscp.Encoding
	// String describes the link for logs.
	String() string
}

// Config holds the defaults applied when parsing a device string.
type Config struct {
	Port             int           // TCP port when the device string has none
	BaudRate         int           // serial speed
	DialTimeout      time.Duration // TCP connect timeout
	DiscoveryTimeout time.Duration // how long to wait for a discovery reply
}

// Parse maps a device string onto a Transport:
//
//	"discover"        -> Discovery
//	"demo"            -> Demo
//	"/dev/ttyUSB0"    -> Serial (any path, or COMn on Windows)
//	"host" "host:port" -> TCP
func Parse(device string, cfg Config) (Transport, error) {
	if cfg.Port == 0 {
		cfg.Port = iscp.DefaultPort
	}
	device = strings.TrimSpace(device)
	switch {
	case device == "" || device == DiscoverDevice:
		return &Discovery{
			Config: iscp.DiscoverConfig{Port: cfg.Port, Timeout: cfg.DiscoveryTimeout},
			Dial:   TCP{DialTimeout: cfg.DialTimeout},
		}, nil
	case device == DemoDevice:
		return NewDemo(), nil
	case isSerialPath(device):
		return &Serial{Path: device, BaudRate: cfg.BaudRate}, nil
	}

	host, port, err := net.SplitHostPort(device)
	if err != nil {
		// Assume no port was given.
		host = device
		port = strconv.Itoa(cfg.Port)
	}
	if host == "" {
		return nil, fmt.Errorf("transport: no host in %q", device)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("transport: bad port in %q", device)
	}
	return &TCP{Addr: net.JoinHostPort(host, port), DialTimeout: cfg.DialTimeout}, nil
}

func isSerialPath(device string) bool {
	if strings.HasPrefix(device, "/") || strings.HasPrefix(device, ".") {
		return true
	}
	if runtime.GOOS == "windows" {
		upper := strings.ToUpper(device)
		if strings.HasPrefix(upper, "COM") {
			_, err := strconv.Atoi(upper[3:])
			return err == nil
		}
	}
	return false
}
