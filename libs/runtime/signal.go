package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext is cancelled by the first SIGINT or SIGTERM. A second signal
// exits the process with status 130 without waiting for graceful shutdown.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
			signal.Stop(sig)
			return
		}
		<-sig
		os.Exit(130)
	}()
	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}
