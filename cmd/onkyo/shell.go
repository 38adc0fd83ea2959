package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/onkyo-remote/internal/config"
	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"github.com/shaunagostinho/onkyo-remote/internal/onkyo"
)

const shellHelp = `commands:
  power on|off, volume up|down, volume N, mute on|off|toggle, input dvd|cd|fm ...
  raw ISCP such as PWRQSTN or MVL20
  status    show connection state
  help      this text
  quit      leave (also Ctrl-D)`

// runShell reads commands line by line and sends each one, printing
// inbound frames as they arrive.
func runShell(ctx context.Context, cfg *config.Config, log *zap.Logger, retries int) error {
	var out sync.Mutex
	show := func(cmd, arg string, _ *onkyo.Client) {
		f := iscp.Frame{Command: cmd, Argument: arg}
		out.Lock()
		fmt.Printf("< %s\t%s\n", f, iscp.Describe(f))
		out.Unlock()
	}

	c, err := connectWithRetry(ctx, log, func(ctx context.Context) (*onkyo.Client, error) {
		return open(ctx, cfg.Receiver.Device, show, clientOptions(cfg.Receiver, log)...)
	}, max(retries, 1))
	if err != nil {
		return err
	}
	defer c.Close()

	le := newLineEditor()
	defer le.close()
	if le.interactive() {
		fmt.Printf("connected to %s, type help for commands\n", c.Stats().Transport)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			l, err := le.line("onkyo> ")
			if err != nil {
				readErr <- err
				return
			}
			lines <- l
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case l := <-lines:
			quit, err := shellLine(ctx, c, strings.TrimSpace(l))
			if err != nil {
				out.Lock()
				fmt.Printf("! %v\n", err)
				out.Unlock()
			}
			if quit {
				return nil
			}
		}
	}
}

// shellLine runs one shell line and reports whether the shell should exit.
func shellLine(ctx context.Context, c *onkyo.Client, l string) (bool, error) {
	switch strings.ToLower(l) {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Println(shellHelp)
		return false, nil
	case "status":
		s := c.Stats()
		fmt.Printf("%s %s queued=%d buffered=%d awaiting=%t\n",
			s.Transport, s.StateName, s.Queued, s.Buffered, s.Awaiting)
		return false, nil
	}
	return false, c.Command(l).Wait(ctx)
}
