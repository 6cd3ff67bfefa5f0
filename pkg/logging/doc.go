// Package logging provides the subsystem-tagged logging facade used across
// multimcp.
//
// The facade is a thin layer over log/slog. Every record carries a
// "subsystem" attribute so output from the supervisor, individual backends
// and the client transports can be told apart:
//
//	logging.Init(logging.LevelInfo, logging.FormatText, os.Stderr)
//	logging.Info("Supervisor", "starting %d backends", n)
//	logging.Error("Backend/geo", err, "handshake failed")
//
// Logs must never be written to stdout when the client transport is stdio,
// since stdout carries protocol frames in that mode. Callers therefore pass
// os.Stderr (or a test buffer) to Init.
package logging
