package ro

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/ro"
)

// ShutdownSignals are the OS signals that trigger graceful shutdown.
var ShutdownSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}

// GracefulShutdown creates an Observable that emits the first shutdown
// signal received and then completes.
func GracefulShutdown(ctx context.Context) ro.Observable[os.Signal] {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, ShutdownSignals...)

	return ro.NewObservableWithContext(func(subCtx context.Context, observer ro.Observer[os.Signal]) ro.Teardown {
		go func() {
			select {
			case sig := <-ch:
				observer.NextWithContext(subCtx, sig)
				observer.CompleteWithContext(subCtx)
			case <-subCtx.Done():
				observer.ErrorWithContext(subCtx, subCtx.Err())
			case <-ctx.Done():
				observer.ErrorWithContext(subCtx, ctx.Err())
			}
		}()

		return func() {
			signal.Stop(ch)
		}
	})
}

// WaitForShutdown blocks until a shutdown signal arrives or the context
// is cancelled. Returns the signal, or the context error.
func WaitForShutdown(ctx context.Context) (os.Signal, error) {
	results, _, err := ro.CollectWithContext(ctx, GracefulShutdown(ctx))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ctx.Err()
	}
	return results[0], nil
}
