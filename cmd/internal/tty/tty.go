// Package tty adapts the local terminal into a raw serial console for
// talking to a running kernel image's virtual serial port, the same way a
// developer would attach to a QEMU "-serial tcp:host:port,server" chardev
// from another terminal.
package tty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("tty: not a TTY")

// Console relays bytes between the local terminal and a remote connection,
// putting the local terminal into raw mode so every keystroke reaches the
// kernel's serial driver immediately instead of being line-buffered and
// echoed by the local shell.
type Console struct {
	fd    int
	state *term.State
	conn  io.ReadWriteCloser
}

// New creates a Console attached to conn. Callers must call Restore to
// return the local terminal to its original state once done.
func New(conn io.ReadWriteCloser) (*Console, error) {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	c := &Console{fd: fd, state: state, conn: conn}

	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, state)
		return nil, err
	}

	return c, nil
}

// Restore returns the local terminal to its initial state.
func (c *Console) Restore() {
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO)
}

// Run copies bytes in both directions between the local terminal and the
// remote connection until ctx is canceled or either side returns an error,
// whichever happens first.
func (c *Console) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(c.conn, os.Stdin)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, c.conn)
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
