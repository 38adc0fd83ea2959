package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
)

// DemoDevice is the device string that selects the simulated receiver.
const DemoDevice = "demo"

// Demo is an in-process simulated receiver for development without
// hardware. It speaks eISCP over a net.Pipe and answers power, volume,
// mute and input commands the way a real receiver does: by reporting the
// resulting state.
type Demo struct {
	mu    sync.Mutex
	state demoState
}

type demoState struct {
	power  bool
	volume int
	muted  bool
	input  int
}

const demoMaxVolume = 0x50

// NewDemo returns a simulated receiver that is on, at volume 0x20, on DVD.
func NewDemo() *Demo {
	return &Demo{state: demoState{power: true, volume: 0x20, input: 0x10}}
}

func (d *Demo) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, dev := net.Pipe()
	go d.serve(dev)
	return client, nil
}

func (d *Demo) Encoding() iscp.Encoding { return iscp.EISCP }

func (d *Demo) String() string { return DemoDevice }

// serve reads commands until the client side closes.
func (d *Demo) serve(conn net.Conn) {
	defer conn.Close()
	var buf []byte
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		for {
			f, used, ferr := iscp.SplitEISCP(buf)
			if used == 0 {
				break
			}
			buf = buf[used:]
			if ferr != nil {
				continue
			}
			if _, err := conn.Write(iscp.EISCP.Encode(d.Handle(f))); err != nil {
				return
			}
		}
	}
}

// Handle applies f to the simulated state and returns the reply message.
func (d *Demo) Handle(f iscp.Frame) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &d.state

	switch f.Command {
	case "PWR":
		switch f.Argument {
		case "01":
			s.power = true
		case "00":
			s.power = false
		case "QSTN":
		default:
			return "PWRN/A"
		}
		return "PWR" + onOff(s.power)

	case "MVL":
		switch f.Argument {
		case "UP", "UP1":
			s.volume = min(s.volume+1, demoMaxVolume)
		case "DOWN", "DOWN1":
			s.volume = max(s.volume-1, 0)
		case "QSTN":
		default:
			n, err := strconv.ParseUint(f.Argument, 16, 8)
			if err != nil || int(n) > demoMaxVolume {
				return "MVLN/A"
			}
			s.volume = int(n)
		}
		return fmt.Sprintf("MVL%02X", s.volume)

	case "AMT":
		switch f.Argument {
		case "01":
			s.muted = true
		case "00":
			s.muted = false
		case "TG":
			s.muted = !s.muted
		case "QSTN":
		default:
			return "AMTN/A"
		}
		return "AMT" + onOff(s.muted)

	case "SLI":
		switch f.Argument {
		case "UP":
			s.input = (s.input + 1) & 0xff
		case "DOWN":
			s.input = (s.input - 1) & 0xff
		case "QSTN":
		default:
			n, err := strconv.ParseUint(f.Argument, 16, 8)
			if err != nil {
				return "SLIN/A"
			}
			s.input = int(n)
		}
		return fmt.Sprintf("SLI%02X", s.input)
	}
	return strings.ToUpper(f.Command) + "N/A"
}

func onOff(b bool) string {
	if b {
		return "01"
	}
	return "00"
}
