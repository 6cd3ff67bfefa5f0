package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// transportDrainTimeout bounds the wait for the client transport to return
// after the server was shut down.
const transportDrainTimeout = 2 * time.Second

// serve runs the aggregator:
//
//  1. start every enabled backend and wait for its first connection attempt
//  2. start the config watcher when requested
//  3. serve the client transport and tell systemd READY=1
//  4. on a signal, cancellation or end of the transport: tell systemd
//     STOPPING=1, answer pending calls with ShuttingDown and close client
//     connections, then stop every backend
func (a *Application) serve(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	s := a.services
	s.Server.Start(ctx)

	if err := s.Supervisor.Start(ctx, a.document.Enabled()); err != nil {
		a.shutdown(nil)
		return fmt.Errorf("failed to start backends: %w", err)
	}

	if a.config.Watch {
		watcher := config.NewWatcher(a.config.ConfigPath, config.DefaultDebounceInterval, a.reload(ctx))
		if err := watcher.Start(ctx); err != nil {
			logging.Error("App", err, "Failed to watch %s; hot reload is disabled", a.config.ConfigPath)
		} else {
			defer watcher.Stop()
		}
	}

	transportCtx, cancelTransport := context.WithCancel(ctx)
	defer cancelTransport()
	served, err := a.startTransport(transportCtx)
	if err != nil {
		a.shutdown(nil)
		return err
	}
	notifySystemd(daemon.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("App", "Shutting down: %v", context.Cause(ctx))
	case runErr = <-served:
		served = nil
		if runErr != nil {
			logging.Error("App", runErr, "Client transport failed")
		} else {
			logging.Info("App", "Client transport closed, shutting down")
		}
	}

	notifySystemd(daemon.SdNotifyStopping)
	cancelTransport()
	a.shutdown(served)
	return runErr
}

// startTransport serves the configured client transport in the background.
// The returned channel yields its result.
func (a *Application) startTransport(ctx context.Context) (<-chan error, error) {
	served := make(chan error, 1)
	srv := a.services.Server

	switch a.config.Transport {
	case TransportSSE:
		ln := a.config.Listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", a.config.Addr())
			if err != nil {
				return nil, fmt.Errorf("failed to listen on %s: %w", a.config.Addr(), err)
			}
		}
		go func() { served <- srv.ServeSSE(ctx, ln) }()
	default:
		if a.config.Stdin == nil && a.config.Stdout == nil {
			go func() { served <- srv.ServeStdio(ctx) }()
			break
		}
		var in io.Reader = os.Stdin
		var out io.Writer = os.Stdout
		if a.config.Stdin != nil {
			in = a.config.Stdin
		}
		if a.config.Stdout != nil {
			out = a.config.Stdout
		}
		go func() { served <- srv.ServeStream(ctx, in, out) }()
	}
	return served, nil
}

// shutdown stops the client side first so that pending calls are answered
// with ShuttingDown, then the backends. served, when not nil, is drained.
func (a *Application) shutdown(served <-chan error) {
	grace := a.document.Settings.ShutdownGrace
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}

	serverCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.services.Server.Shutdown(serverCtx); err != nil {
		logging.Warn("App", "Client side did not shut down cleanly: %v", err)
	}

	if served != nil {
		select {
		case err := <-served:
			if err != nil {
				logging.Debug("App", "Client transport ended with: %v", err)
			}
		case <-time.After(transportDrainTimeout):
			logging.Warn("App", "Client transport did not stop within %s", transportDrainTimeout)
		}
	}

	// Stopping a subprocess may take up to three grace periods: closed
	// stdin, SIGTERM, then SIGKILL.
	backendCtx, cancelBackends := context.WithTimeout(context.Background(), 3*grace+time.Second)
	defer cancelBackends()
	if err := a.services.Supervisor.Stop(backendCtx); err != nil {
		logging.Error("App", err, "Some backends did not stop")
	}
	logging.Info("App", "Shutdown complete")
}

// reload returns the watcher callback that reconciles the running backends
// with a changed document.
func (a *Application) reload(ctx context.Context) func(*config.Document) {
	return func(doc *config.Document) {
		applyOverrides(a.config, doc)
		notifySystemd(daemon.SdNotifyReloading)
		defer notifySystemd(daemon.SdNotifyReady)

		if err := a.services.Supervisor.Apply(ctx, doc); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logging.Error("App", err, "Failed to apply configuration change")
		}
	}
}

func notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logging.Debug("App", "Failed to notify systemd of %s: %v", state, err)
		return
	}
	if sent {
		logging.Debug("App", "Notified systemd: %s", state)
	}
}
