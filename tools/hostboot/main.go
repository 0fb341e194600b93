//go:build linux && !kernel

// Command hostboot boots the kernel on the emulated PC of the hosted
// platform. COM1 is connected to stdout and, with -tty, keystrokes typed on
// the controlling terminal are delivered to the emulated PS/2 keyboard.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tty "github.com/mattn/go-tty"
	"github.com/sirupsen/logrus"
	"github.com/southwarridev/kewveOs/kernel/kmain"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/platform/hosted"
)

const ctrlC = 0x03

type options struct {
	ramSize  uintptr
	cmdLine  string
	duration time.Duration
	useTTY   bool
	verbose  bool
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[hostboot] error: %s\n", err.Error())
	os.Exit(1)
}

func parseOptions(args []string) (*options, error) {
	fs := flag.NewFlagSet("hostboot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	ram := fs.String("ram", "16M", "amount of emulated RAM (e.g. 8M, 1G)")
	opts := &options{}
	fs.StringVar(&opts.cmdLine, "cmdline", "", "kernel command line")
	fs.DurationVar(&opts.duration, "duration", 0, "power off after this long (0 runs until interrupted)")
	fs.BoolVar(&opts.useTTY, "tty", false, "forward keystrokes from the terminal to the keyboard")
	fs.BoolVar(&opts.verbose, "v", false, "log machine diagnostics")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	size, kerr := mm.ParseSize(*ram)
	if kerr != nil {
		return nil, fmt.Errorf("invalid -ram value %q: %s", *ram, kerr.Message)
	}
	if uintptr(size) < hosted.MinRAMSize {
		return nil, fmt.Errorf("-ram must be at least %d bytes", hosted.MinRAMSize)
	}
	opts.ramSize = uintptr(size)

	return opts, nil
}

func newLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func run(opts *options) error {
	logger := newLogger(opts.verbose)

	var (
		serial io.Writer = os.Stdout
		term   *tty.TTY
	)
	if opts.useTTY {
		var err error
		if term, err = tty.Open(); err != nil {
			return fmt.Errorf("opening terminal: %w", err)
		}
		defer term.Close()

		restore := term.MustRaw()
		defer func() { _ = restore() }()

		// raw mode disables output post-processing
		serial = &crlfWriter{w: term.Output()}
	}

	m, err := hosted.New(hosted.Config{RAMSize: opts.ramSize, Serial: serial, Logger: logger})
	if err != nil {
		return err
	}

	done, err := m.Start(&kmain.Kernel{}, opts.cmdLine)
	if err != nil {
		_ = m.Close()
		return err
	}

	if term != nil {
		go forwardKeys(term, m, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timeout = time.After(opts.duration)
	}

	select {
	case <-done:
	case <-m.Halted():
	case <-m.Stopped():
	case <-sigCh:
	case <-timeout:
	}

	m.Stop()
	<-done
	if err = m.Close(); err != nil {
		return err
	}
	return m.Err()
}

// forwardKeys types every rune read from the terminal on the emulated
// keyboard. Ctrl-C powers the machine off.
func forwardKeys(term *tty.TTY, m *hosted.Machine, logger *logrus.Logger) {
	for {
		r, err := term.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.WithError(err).Warn("terminal read failed")
			}
			m.Stop()
			return
		}

		if r == ctrlC {
			m.Stop()
			return
		}
		if r > 0x7f || !m.TypeByte(byte(r)) {
			logger.WithField("rune", r).Debug("key has no scancode")
		}
	}
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		exit(err)
	}

	if err = run(opts); err != nil {
		exit(err)
	}
}
