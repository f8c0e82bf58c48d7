// Command lilymon is a host-side serial console for attaching to a running
// kernel image, the way a developer would attach to QEMU's
// "-serial tcp:host:port,server" chardev from another terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"lily/cmd/internal/tty"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4444", "address of the kernel's serial chardev")
	network := flag.String("network", "tcp", "dial network (tcp or unix)")
	flag.Parse()

	conn, err := net.Dial(*network, *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lilymon:", err)
		os.Exit(1)
	}
	defer conn.Close()

	console, err := tty.New(conn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lilymon:", err)
		os.Exit(1)
	}
	defer console.Restore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := console.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "lilymon:", err)
		os.Exit(1)
	}
}
