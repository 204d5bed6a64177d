// Package rawterm puts the controlling terminal into raw mode and moves
// single bytes in and out of it.
//
// Newlines are always LF. Getchar turns the CR sent by the enter key into
// LF, and Putchar expands LF into the CRLF a raw terminal expects.
package rawterm

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/ssh/terminal"
)

// Terminal is a byte-oriented view of stdin and stdout.
type Terminal struct {
	fd    int
	state *terminal.State
	in    io.Reader

	mu  sync.Mutex
	out io.Writer
}

// Open switches stdin to raw mode if it is a terminal. When stdin is a pipe
// or file, the terminal is left as is and bytes pass through unchanged.
// Call Restore when done.
func Open() (*Terminal, error) {
	t := &Terminal{fd: int(os.Stdin.Fd()), in: os.Stdin, out: os.Stdout}
	if !terminal.IsTerminal(t.fd) {
		return t, nil
	}
	state, err := terminal.MakeRaw(t.fd)
	if err != nil {
		return nil, fmt.Errorf("rawterm: make raw: %w", err)
	}
	t.state = state
	return t, nil
}

// New returns a Terminal over in and out without touching any tty.
func New(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{fd: -1, in: in, out: out}
}

// Raw reports whether the terminal was switched to raw mode.
func (t *Terminal) Raw() bool {
	return t.state != nil
}

// Getchar blocks until one byte is read.
func (t *Terminal) Getchar() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(t.in, b[:]); err != nil {
		return 0, err
	}
	if b[0] == '\r' {
		return '\n', nil
	}
	return b[0], nil
}

// Putchar writes ch, expanding LF to CRLF. It is safe to call from several
// goroutines.
func (t *Terminal) Putchar(ch byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch == '\n' {
		_, err := t.out.Write([]byte{'\r', '\n'})
		return err
	}
	_, err := t.out.Write([]byte{ch})
	return err
}

// Print writes s through Putchar.
func (t *Terminal) Print(s string) error {
	for i := 0; i < len(s); i++ {
		if err := t.Putchar(s[i]); err != nil {
			return err
		}
	}
	return nil
}

// Restore puts the terminal back into the mode it had before Open.
func (t *Terminal) Restore() error {
	if t.state == nil {
		return nil
	}
	if err := terminal.Restore(t.fd, t.state); err != nil {
		return fmt.Errorf("rawterm: restore: %w", err)
	}
	t.state = nil
	return nil
}
