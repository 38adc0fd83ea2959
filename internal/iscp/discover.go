package iscp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrNoDevice is returned by Discover when no receiver answered in time.
var ErrNoDevice = errors.New("iscp: no receiver found")

// Device is a receiver that answered a discovery broadcast.
type Device struct {
	Model  string `json:"model"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Region string `json:"region"` // DX, XX, JJ
	ID     string `json:"id"`     // MAC address, 12 hex digits
}

// Addr returns host:port for dialing the device.
func (d Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DiscoverConfig holds discovery parameters.
type DiscoverConfig struct {
	Port      int           // UDP port to broadcast to, default DefaultPort
	Broadcast string        // broadcast address, default 255.255.255.255
	Timeout   time.Duration // overall wait, default 5s
}

// Discover broadcasts an ECNQSTN query and returns the first receiver that
// answers. The answering address is used as Host.
func Discover(ctx context.Context, cfg DiscoverConfig) (Device, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Broadcast == "" {
		cfg.Broadcast = "255.255.255.255"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return Device{}, fmt.Errorf("iscp: discover listen: %w", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.ParseIP(cfg.Broadcast), Port: cfg.Port}
	if _, err := conn.WriteToUDP(EISCP.encode(unitAny, "ECNQSTN"), dst); err != nil {
		return Device{}, fmt.Errorf("iscp: discover broadcast to %s: %w", dst, err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Device{}, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Device{}, ErrNoDevice
			}
			return Device{}, fmt.Errorf("iscp: discover read: %w", err)
		}
		f, used, err := SplitEISCP(buf[:n])
		if used == 0 || err != nil || f.Command != "ECN" {
			// Our own broadcast echoed back, or something unrelated.
			continue
		}
		dev, err := ParseDevice(f.Argument)
		if err != nil {
			continue
		}
		dev.Host = from.IP.String()
		return dev, nil
	}
}

// ParseDevice parses an ECN reply argument: "model/port/region/id".
func ParseDevice(arg string) (Device, error) {
	parts := strings.Split(arg, "/")
	if len(parts) < 4 {
		return Device{}, fmt.Errorf("%w: discovery reply %q", ErrMalformed, arg)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Device{}, fmt.Errorf("%w: discovery port %q", ErrMalformed, parts[1])
	}
	return Device{
		Model:  parts[0],
		Port:   port,
		Region: parts[2],
		ID:     strings.TrimRight(parts[3], "\x19\x1a\r\n "),
	}, nil
}
