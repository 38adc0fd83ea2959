package onkyo

import (
	"errors"
	"fmt"
)

var (
	ErrNoCallback       = errors.New("onkyo: callback is required")
	ErrConnectionClosed = errors.New("onkyo: connection closed")
	ErrClientClosed     = errors.New("onkyo: client closed")
	ErrNotOpen          = errors.New("onkyo: connection not open")
)

// ConnectError reports a failure to open the transport: a refused TCP
// connection, a missing serial device or a failed discovery.
type ConnectError struct {
	Device string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("onkyo: connect %s: %v", e.Device, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err is a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
