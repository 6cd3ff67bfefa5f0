// Package app bootstraps and runs the aggregator.
//
// The command line builds a Config once. NewApplication validates it,
// configures logging on stderr, loads the configuration document (failing
// with a *config.ConfigError before anything starts) and wires the services:
//
//	Registry <- Supervisor (registers ready backend sessions)
//	Registry <- Router     (resolves client calls)
//	Router   <- Server     (runs client sessions over stdio or SSE)
//
// Run starts the backends, optionally watches the configuration file for
// changes, serves the client transport and notifies systemd when ready.
// Shutdown happens in a fixed order: the client side is closed first so that
// every pending call is answered with ShuttingDown, then every backend is
// stopped and no subprocess is left behind.
package app
