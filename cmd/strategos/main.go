package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"strategos.gg/internal/cli"
)

func main() {
	ctx, cancel := signalContext()
	defer cancel()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	cancel()
	os.Exit(cli.GetExitCode(err))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
