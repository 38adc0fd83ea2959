package iscp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// splitAll feeds chunks one at a time and splits after each, the way the
// connection read loop does.
func splitAll(t *testing.T, split Splitter, chunks [][]byte) ([]Frame, []byte) {
	t.Helper()
	var (
		buf    []byte
		frames []Frame
	)
	for _, c := range chunks {
		buf = append(buf, c...)
		for {
			f, n, err := split(buf)
			if n == 0 {
				break
			}
			buf = buf[n:]
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			frames = append(frames, f)
		}
	}
	return frames, buf
}

func TestEncodeEISCP(t *testing.T) {
	got := EISCP.Encode("PWR01")
	want := []byte("ISCP\x00\x00\x00\x10\x00\x00\x00\x08\x01\x00\x00\x00!1PWR01\r")
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeSerial(t *testing.T) {
	if got := Serial.Encode("MVLUP"); string(got) != "!1MVLUP\r" {
		t.Fatalf("Encode = %q", got)
	}
}

func TestSplitEISCP_ChunkedWithPartialTail(t *testing.T) {
	stream := append(EISCP.Encode("PWR01"), EISCP.Encode("MVL2A")...)
	stream = append(stream, EISCP.Encode("AMT00")...)
	partial := EISCP.Encode("SLI10")[:20]
	stream = append(stream, partial...)

	for _, size := range []int{1, 3, 7, 16, 25, len(stream)} {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}

		frames, rest := splitAll(t, SplitEISCP, chunks)
		want := []Frame{{"PWR", "01"}, {"MVL", "2A"}, {"AMT", "00"}}
		if len(frames) != len(want) {
			t.Fatalf("chunk %d: got %d frames, want %d", size, len(frames), len(want))
		}
		for i := range want {
			if frames[i] != want[i] {
				t.Errorf("chunk %d: frame %d = %v, want %v", size, i, frames[i], want[i])
			}
		}
		if !bytes.Equal(rest, partial) {
			t.Errorf("chunk %d: rest = %q, want %q", size, rest, partial)
		}
	}
}

func TestSplitEISCP_ReceiverTerminators(t *testing.T) {
	data := []byte("!1PWR01\x1a\r\n")
	pkt := append([]byte("ISCP\x00\x00\x00\x10\x00\x00\x00\x0a\x01\x00\x00\x00"), data...)

	f, n, err := SplitEISCP(pkt)
	if err != nil {
		t.Fatalf("SplitEISCP: %v", err)
	}
	if n != len(pkt) || f != (Frame{"PWR", "01"}) {
		t.Fatalf("got %v n=%d", f, n)
	}
}

func TestSplitEISCP_SkipsLeadingJunk(t *testing.T) {
	buf := append([]byte("garbage"), EISCP.Encode("PWR00")...)
	f, n, err := SplitEISCP(buf)
	if err != nil || n != len(buf) || f != (Frame{"PWR", "00"}) {
		t.Fatalf("got %v n=%d err=%v", f, n, err)
	}
}

func TestSplitEISCP_NoMagicWaits(t *testing.T) {
	if _, n, err := SplitEISCP([]byte("noise without a header")); n != 0 || err != nil {
		t.Fatalf("n=%d err=%v, want 0,nil", n, err)
	}
}

func TestSplitEISCP_BadHeaderDropsBuffer(t *testing.T) {
	buf := []byte("ISCP\x00\x00\x00\x20\x00\x00\x00\x08\x01\x00\x00\x00!1PWR01\r")
	_, n, err := SplitEISCP(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if n != len(buf) {
		t.Fatalf("n = %d, want %d", n, len(buf))
	}
}

func TestSplitSerial(t *testing.T) {
	chunks := [][]byte{
		[]byte("!1PWR01\x1a!1MV"),
		[]byte("L32\x1a\r\n!1AMT0"),
	}
	frames, rest := splitAll(t, SplitSerial, chunks)
	want := []Frame{{"PWR", "01"}, {"MVL", "32"}}
	if len(frames) != 2 || frames[0] != want[0] || frames[1] != want[1] {
		t.Fatalf("frames = %v, want %v", frames, want)
	}
	if string(rest) != "!1AMT0" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestSplitSerial_Junk(t *testing.T) {
	_, n, err := SplitSerial([]byte("zz\r!1PWR01\r"))
	if !errors.Is(err, ErrMalformed) || n != 3 {
		t.Fatalf("n=%d err=%v, want 3,ErrMalformed", n, err)
	}
}

func TestSplitSerial_TerminatorsOnly(t *testing.T) {
	for _, in := range []string{"\r\n", "\n", "\x1a\r\n"} {
		f, n, err := SplitSerial([]byte(in))
		if !errors.Is(err, ErrEmpty) || n != len(in) || f != (Frame{}) {
			t.Errorf("%q: f=%v n=%d err=%v, want n=%d ErrEmpty", in, f, n, err, len(in))
		}
	}
	if _, n, err := SplitSerial(nil); n != 0 || err != nil {
		t.Fatalf("empty buffer: n=%d err=%v", n, err)
	}
}

func TestPack(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"power on", "PWR01"},
		{"  Volume   UP ", "MVLUP"},
		{"mute toggle", "AMTTG"},
		{"input dvd", "SLI10"},
		{"volume 30", "MVL1E"},
		{"zone2 volume 10", "ZVL0A"},
		{"PWR01", "PWR01"},
		{"!1MVLQSTN", "MVLQSTN"},
		{"pwrQSTN", "PWRQSTN"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Pack(tt.in)
			if err != nil {
				t.Fatalf("Pack(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Pack(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPack_Errors(t *testing.T) {
	for _, in := range []string{"", "fly me to the moon", "volume 200", "P1", "PWR\x0101"} {
		if _, err := Pack(in); !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("Pack(%q) err = %v, want ErrUnknownCommand", in, err)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		f    Frame
		want string
	}{
		{Frame{"PWR", "01"}, "power on"},
		{Frame{"PWR", "00"}, "power off"},
		{Frame{"MVL", "1E"}, "volume 30"},
		{Frame{"NLS", "C0-P"}, "NLSC0-P"},
	}
	for _, tt := range tests {
		if got := Describe(tt.f); got != tt.want {
			t.Errorf("Describe(%v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("TX-NR609/60128/DX/0009B0D1A2B3\x19")
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}
	if d.Model != "TX-NR609" || d.Port != 60128 || d.Region != "DX" || d.ID != "0009B0D1A2B3" {
		t.Fatalf("device = %+v", d)
	}
	if _, err := ParseDevice("TX-NR609/abc/DX/00"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad port err = %v", err)
	}
}

func TestDiscover_Loopback(t *testing.T) {
	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	go func() {
		buf := make([]byte, 256)
		n, from, err := srv.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if f, _, err := SplitEISCP(buf[:n]); err != nil || f.Command != "ECN" {
			return
		}
		srv.WriteToUDP(EISCP.encode(unitReceiver, "ECNTX-NR609/60128/DX/0009B0D1A2B3\x19"), from)
	}()

	port := srv.LocalAddr().(*net.UDPAddr).Port
	d, err := Discover(context.Background(), DiscoverConfig{
		Port:      port,
		Broadcast: "127.0.0.1",
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.Host != "127.0.0.1" || d.Model != "TX-NR609" || d.Addr() != "127.0.0.1:60128" {
		t.Fatalf("device = %+v", d)
	}
}

func TestDiscover_Timeout(t *testing.T) {
	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	_, err = Discover(context.Background(), DiscoverConfig{
		Port:      srv.LocalAddr().(*net.UDPAddr).Port,
		Broadcast: "127.0.0.1",
		Timeout:   100 * time.Millisecond,
	})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}
