package iscp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownCommand is returned by Pack for text that is neither a known
// alias nor a raw ISCP message.
var ErrUnknownCommand = errors.New("iscp: unknown command")

// alias maps a human readable command to its raw ISCP message. The first
// alias listed for a message is the one Describe reports.
type alias struct {
	name string
	msg  string
}

var aliases = []alias{
	{"power on", "PWR01"},
	{"power off", "PWR00"},
	{"standby", "PWR00"},
	{"power", "PWRQSTN"},
	{"power status", "PWRQSTN"},

	{"volume up", "MVLUP"},
	{"volume down", "MVLDOWN"},
	{"volume up1", "MVLUP1"},
	{"volume down1", "MVLDOWN1"},
	{"volume", "MVLQSTN"},
	{"volume status", "MVLQSTN"},

	{"mute on", "AMT01"},
	{"mute off", "AMT00"},
	{"mute toggle", "AMTTG"},
	{"mute", "AMTQSTN"},
	{"mute status", "AMTQSTN"},

	{"input", "SLIQSTN"},
	{"input up", "SLIUP"},
	{"input down", "SLIDOWN"},
	{"input video1", "SLI00"},
	{"input vcr", "SLI00"},
	{"input video2", "SLI01"},
	{"input cbl/sat", "SLI01"},
	{"input video3", "SLI02"},
	{"input game", "SLI02"},
	{"input video4", "SLI03"},
	{"input aux", "SLI03"},
	{"input video5", "SLI04"},
	{"input video6", "SLI05"},
	{"input pc", "SLI05"},
	{"input bd/dvd", "SLI10"},
	{"input dvd", "SLI10"},
	{"input tape", "SLI20"},
	{"input phono", "SLI22"},
	{"input cd", "SLI23"},
	{"input fm", "SLI24"},
	{"input am", "SLI25"},
	{"input tuner", "SLI26"},
	{"input net", "SLI2B"},
	{"input usb", "SLI29"},

	{"sleep off", "SLPOFF"},
	{"sleep", "SLPQSTN"},

	{"speaker a on", "SPA01"},
	{"speaker a off", "SPA00"},
	{"speaker b on", "SPB01"},
	{"speaker b off", "SPB00"},

	{"dimmer", "DIMDIM"},
	{"dimmer bright", "DIM00"},
	{"dimmer dim", "DIM01"},
	{"dimmer dark", "DIM02"},

	{"zone2 power on", "ZPW01"},
	{"zone2 power off", "ZPW00"},
	{"zone2 power", "ZPWQSTN"},
	{"zone2 volume up", "ZVLUP"},
	{"zone2 volume down", "ZVLDOWN"},
	{"zone2 volume", "ZVLQSTN"},
	{"zone2 mute on", "ZMT01"},
	{"zone2 mute off", "ZMT00"},

	{"play", "NTCPLAY"},
	{"stop", "NTCSTOP"},
	{"pause", "NTCPAUSE"},
	{"next", "NTCTRUP"},
	{"previous", "NTCTRDN"},
}

var (
	byName = make(map[string]string, len(aliases))
	byMsg  = make(map[string]string, len(aliases))
)

func init() {
	for _, a := range aliases {
		byName[a.name] = a.msg
		if _, ok := byMsg[a.msg]; !ok {
			byMsg[a.msg] = a.name
		}
	}
}

// maxVolume is the highest absolute level "volume N" accepts; receivers
// take the level as two hex digits.
const maxVolume = 0x64

// Pack renders command text into a raw ISCP message (without start
// character, unit type or terminator).
//
// Accepted forms:
//   - an alias such as "power on", "volume up" or "input dvd"
//   - "volume N" / "zone2 volume N" with a decimal level
//   - a raw message such as "PWR01" or "!1MVLQSTN"
func Pack(text string) (string, error) {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if norm == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	if msg, ok := byName[norm]; ok {
		return msg, nil
	}
	if lvl, ok := strings.CutPrefix(norm, "volume "); ok {
		return packLevel("MVL", lvl)
	}
	if lvl, ok := strings.CutPrefix(norm, "zone2 volume "); ok {
		return packLevel("ZVL", lvl)
	}

	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "!1")
	if strings.ContainsAny(raw, " \t") || !isRaw(raw) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}
	return strings.ToUpper(raw[:3]) + raw[3:], nil
}

func packLevel(cmd, lvl string) (string, error) {
	n, err := strconv.Atoi(lvl)
	if err != nil || n < 0 || n > maxVolume {
		return "", fmt.Errorf("%w: volume level %q", ErrUnknownCommand, lvl)
	}
	return fmt.Sprintf("%s%02X", cmd, n), nil
}

func isRaw(s string) bool {
	if len(s) < 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i < 3 {
			if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
				return false
			}
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// Describe returns a human readable form of a received frame: the alias
// when one exists, a volume level for MVL/ZVL, otherwise the raw message.
func Describe(f Frame) string {
	if name, ok := byMsg[f.String()]; ok {
		return name
	}
	switch f.Command {
	case "MVL", "ZVL":
		if n, err := strconv.ParseUint(f.Argument, 16, 8); err == nil {
			prefix := "volume"
			if f.Command == "ZVL" {
				prefix = "zone2 volume"
			}
			return fmt.Sprintf("%s %d", prefix, n)
		}
	}
	return f.String()
}
