// gwlink keeps a tunnel to a gateway up across underlying network
// changes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gwlink/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gwlink: %v\n", err)
		os.Exit(1)
	}
}
