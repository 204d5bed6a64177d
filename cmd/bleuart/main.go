package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/chaz8081/bleuart/internal/ble"
	"github.com/chaz8081/bleuart/internal/config"
	"github.com/chaz8081/bleuart/internal/logging"
	"github.com/chaz8081/bleuart/internal/rawterm"
	"github.com/chaz8081/bleuart/internal/serial"
)

const (
	keyCtrlC = 0x03
	keyCtrlX = 0x18
)

// pollInterval is how often received bytes are drained to the terminal.
const pollInterval = 10 * time.Millisecond

func main() {
	app := cli.NewApp()
	app.Name = "bleuart"
	app.Usage = "serial console over the BLE Nordic UART Service"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to config file (default: ~/.config/bleuart/config.yaml)",
		},
		cli.StringFlag{
			Name:  "name",
			Usage: "advertised device name",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "BLE backend: tinygo or hci",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
	}
	app.Action = consoleCommand
	app.Commands = []cli.Command{
		{
			Name:   "init-config",
			Usage:  "write the default config file",
			Action: initConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func initConfigCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func consoleCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	printBanner(cfg)

	stack, err := ble.Open(cfg.Backend, cfg.HCIDevice, logger)
	if err != nil {
		return err
	}
	port := serial.NewPort(stack, serial.Options{
		InboundCapacity:  cfg.InboundCapacity,
		ReadvertiseDelay: cfg.ReadvertiseDelay,
		Logger:           logger,
	})
	if err := port.Init(cfg.DeviceName); err != nil {
		return fmt.Errorf("failed to start BLE serial port: %w", err)
	}
	defer func() {
		if err := port.Deinit(); err != nil {
			logger.Warn("[BLE] deinit", zap.Error(err))
		}
	}()

	term, err := rawterm.Open()
	if err != nil {
		return err
	}
	defer term.Restore()

	return bridge(term, port, serial.NewStream(port, cfg.StreamBuffer))
}

// bridge copies terminal lines to the central and received bytes to the
// terminal until Ctrl-X, Ctrl-C, end of input or a signal.
func bridge(term *rawterm.Terminal, port *serial.Port, stream *serial.Stream) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	keys := make(chan byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readKeys(term, keys, readErr, done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	term.Print("NUS console enabled, use Ctrl-X to exit\n")

	var line []byte
	for {
		select {
		case ch := <-keys:
			if ch == keyCtrlX || ch == keyCtrlC {
				term.Print("\n")
				return nil
			}
			term.Putchar(ch)
			line = append(line, ch)
			if ch != '\n' {
				continue
			}
			if port.SendOne(string(line)) == serial.NotConnected {
				term.Print("(not connected)\n")
			}
			line = line[:0]

		case <-ticker.C:
			drain(term, stream)

		case err := <-readErr:
			drain(term, stream)
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading terminal: %w", err)

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			return nil
		}
	}
}

// readKeys forwards terminal input to keys until a read fails or done is
// closed. A read error is sent on errs, which must have room for it.
func readKeys(term *rawterm.Terminal, keys chan<- byte, errs chan<- error, done <-chan struct{}) {
	for {
		ch, err := term.Getchar()
		if err != nil {
			errs <- err
			return
		}
		select {
		case keys <- ch:
		case <-done:
			return
		}
	}
}

// drain prints everything the central has sent so far.
func drain(term *rawterm.Terminal, stream *serial.Stream) {
	for {
		b, err := stream.ReadByte()
		if err != nil {
			return
		}
		term.Putchar(b)
	}
}

// applyFlags overrides config values with command-line flags that were set.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if v := c.String("name"); v != "" {
		cfg.DeviceName = v
	}
	if v := c.String("backend"); v != "" {
		cfg.Backend = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bleuart ===")
	fmt.Printf("  Name:     %s\n", cfg.DeviceName)
	if cfg.Backend == ble.BackendHCI {
		fmt.Printf("  Backend:  %s (hci%d)\n", cfg.Backend, cfg.HCIDevice)
	} else {
		fmt.Printf("  Backend:  %s\n", cfg.Backend)
	}
	fmt.Printf("  Inbound:  %d messages\n", cfg.InboundCapacity)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
