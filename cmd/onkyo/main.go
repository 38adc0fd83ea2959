// Command onkyo sends commands to an Onkyo/Integra receiver and prints what
// it reports back. With -listen it stays up as an HTTP/WebSocket bridge.
//
//	onkyo -device 192.168.1.20 "power on" "volume 30" "input dvd"
//	onkyo -device /dev/ttyUSB0 -wait 5s MVLQSTN
//	onkyo -device demo -i
//	onkyo -listen :8080
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/onkyo-remote/internal/config"
	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"github.com/shaunagostinho/onkyo-remote/internal/onkyo"
	"github.com/shaunagostinho/onkyo-remote/internal/recorder"
	"github.com/shaunagostinho/onkyo-remote/internal/server"
	"github.com/shaunagostinho/onkyo-remote/internal/store"
	"github.com/shaunagostinho/onkyo-remote/web"
)

// Commands sent from the command line should not stall behind a receiver
// that never answers.
const oneShotAckTimeout = time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	device := flag.String("device", "", `Receiver: "discover", host[:port] or serial device path`)
	port := flag.Int("port", 0, "TCP port when the device has none (default 60128)")
	baud := flag.Int("baud", 0, "Serial baud rate (default 9600)")
	discard := flag.String("discard", "", "Discard timeout for partial frames, e.g. 1s or 0.5")
	ack := flag.String("ack", "", "Send the next command after this long without a reply (0 waits for one; one-shot mode uses 1s)")
	wait := flag.Duration("wait", time.Second, "How long to keep printing frames after the last command")
	retries := flag.Int("retries", 3, "Connection attempts before giving up (bridge mode retries forever)")
	listenAddr := flag.String("listen", "", "Run the HTTP/WebSocket bridge on this address (e.g. :8080)")
	history := flag.String("history", "", "Record frames to this SQLite file")
	csvDir := flag.String("csv", "", "Record frames as CSV files in this directory")
	discover := flag.Bool("discover", false, "Print the first receiver that answers discovery and exit")
	shell := flag.Bool("i", false, "Interactive shell: read commands from stdin")
	debug := flag.Bool("debug", false, "Verbose logging")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "onkyo: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.LoadConfig(*configPath, log)
	if err := applyFlags(cfg, flagValues{
		device: *device, port: *port, baud: *baud, discard: *discard, ack: *ack,
		listen: *listenAddr, history: *history, csv: *csvDir,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "onkyo: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	switch {
	case *discover:
		err = runDiscover(ctx, cfg)
	case cfg.Server.Enabled:
		err = runBridge(ctx, cfg, log)
	case *shell:
		err = runShell(ctx, cfg, log, *retries)
	default:
		err = runCommands(ctx, cfg, log, flag.Args(), *wait, *retries)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("exiting", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type flagValues struct {
	device, discard, ack, listen, history, csv string
	port, baud                                 int
}

// applyFlags lets command line flags override the loaded config.
func applyFlags(cfg *config.Config, f flagValues) error {
	if f.device != "" {
		cfg.Receiver.Device = f.device
	}
	if f.port != 0 {
		cfg.Receiver.Port = f.port
	}
	if f.baud != 0 {
		cfg.Receiver.BaudRate = f.baud
	}
	if f.discard != "" {
		d, err := config.ParseDuration(f.discard)
		if err != nil {
			return fmt.Errorf("-discard: %w", err)
		}
		cfg.Receiver.DiscardTimeout = d
	}
	if f.ack != "" {
		d, err := config.ParseDuration(f.ack)
		if err != nil {
			return fmt.Errorf("-ack: %w", err)
		}
		cfg.Receiver.AckTimeout = d
	}
	if f.listen != "" {
		cfg.Server.Enabled = true
		cfg.Server.ListenAddr = f.listen
	}
	if f.history != "" {
		cfg.Recorder.History.Enabled = true
		cfg.Recorder.History.Path = f.history
	}
	if f.csv != "" {
		cfg.Recorder.CSV.Enabled = true
		cfg.Recorder.CSV.Path = f.csv
	}
	return nil
}

func clientOptions(rc config.ReceiverConfig, log *zap.Logger) []onkyo.Option {
	return []onkyo.Option{
		onkyo.WithPort(rc.Port),
		onkyo.WithBaudRate(rc.BaudRate),
		onkyo.WithDiscardTimeout(rc.DiscardTimeout),
		onkyo.WithAckTimeout(rc.AckTimeout),
		onkyo.WithDiscoveryTimeout(rc.DiscoveryTimeout),
		onkyo.WithLogger(log),
	}
}

func runDiscover(ctx context.Context, cfg *config.Config) error {
	dev, err := iscp.Discover(ctx, iscp.DiscoverConfig{
		Port:    cfg.Receiver.Port,
		Timeout: cfg.Receiver.DiscoveryTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", dev.Model, dev.Addr(), dev.Region, dev.ID)
	return nil
}

// runCommands sends each command in order, printing frames as they arrive,
// then keeps printing for wait. With no commands it prints until signalled.
func runCommands(ctx context.Context, cfg *config.Config, log *zap.Logger, cmds []string, wait time.Duration, retries int) error {
	if cfg.Receiver.AckTimeout == 0 {
		cfg.Receiver.AckTimeout = oneShotAckTimeout
	}
	if retries < 1 {
		retries = 1
	}

	show := func(cmd, arg string, _ *onkyo.Client) {
		f := iscp.Frame{Command: cmd, Argument: arg}
		fmt.Printf("%s\t%s\n", f, iscp.Describe(f))
	}
	c, err := connectWithRetry(ctx, log, func(ctx context.Context) (*onkyo.Client, error) {
		return open(ctx, cfg.Receiver.Device, show, clientOptions(cfg.Receiver, log)...)
	}, retries)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, text := range cmds {
		if err := c.Command(text).Wait(ctx); err != nil {
			return fmt.Errorf("%q: %w", text, err)
		}
	}

	var after <-chan time.Time
	if len(cmds) > 0 {
		after = time.After(wait)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-after:
		return nil
	case <-c.Done():
		return c.Err()
	}
}

// runBridge serves the HTTP bridge and keeps a receiver connection attached
// to it, reconnecting whenever the connection drops.
func runBridge(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var rec *recorder.Recorder
	if cfg.Recorder.CSV.Enabled {
		rec = recorder.New(recorder.Config{
			Enabled: true,
			Dir:     cfg.Recorder.CSV.Path,
			MaxRows: cfg.Recorder.CSV.MaxRows,
		}, log)
	}

	var db *store.DB
	if cfg.Recorder.History.Enabled {
		var err error
		if db, err = store.Open(cfg.Recorder.History.Path); err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return err
		}
	}

	srv := server.New(cfg, web.FS, rec, db, log)
	go supervise(ctx, cfg, srv, log)
	return srv.Run(ctx)
}

func supervise(ctx context.Context, cfg *config.Config, srv *server.Server, log *zap.Logger) {
	for {
		c, err := connectWithRetry(ctx, log, func(ctx context.Context) (*onkyo.Client, error) {
			// POST /api/config may have changed the receiver since the last attempt.
			rc := cfg.ReceiverSnapshot()
			opts := append(clientOptions(rc, log), onkyo.WithOnClose(srv.HandleClose))
			return open(ctx, rc.Device, srv.HandleFrame, opts...)
		}, 0)
		if err != nil {
			return
		}
		srv.Attach(c)

		select {
		case <-ctx.Done():
			srv.Attach(nil)
			c.Close()
			return
		case <-c.Done():
			srv.Attach(nil)
			log.Warn("receiver connection lost, reconnecting", zap.Error(c.Err()))
		}
	}
}
