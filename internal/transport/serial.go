package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"go.bug.st/serial"
)

// Serial talks to the receiver's RS-232 port. Onkyo receivers use 9600 8N1.
type Serial struct {
	Path     string
	BaudRate int
}

// serialReadTimeout bounds each blocking read so Close is noticed promptly.
const serialReadTimeout = 200 * time.Millisecond

func (s *Serial) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := s.BaudRate
	if baud == 0 {
		baud = 9600
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", s.Path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: failed to set timeout on %s: %w", s.Path, err)
	}
	// Drop anything the receiver sent before we were listening.
	port.ResetInputBuffer()
	return &serialPort{Port: port}, nil
}

func (s *Serial) Encoding() iscp.Encoding { return iscp.Serial }

func (s *Serial) String() string { return fmt.Sprintf("serial %s", s.Path) }

// serialPort adapts serial.Port reads to the io.Reader contract: a read
// timeout with no data is not end of stream, and a closed port is.
type serialPort struct {
	serial.Port
}

func (p *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := p.Port.Read(b)
		if err != nil {
			var pe *serial.PortError
			if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
				return n, io.EOF
			}
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}
