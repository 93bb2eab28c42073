// Package logging provides a minimal logging interface and adapters for actionmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, plugins and actions use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - New, a slog constructor whose handler adds service, version and
//     OpenTelemetry trace/span ids to every record
//   - LogError, expanding oops errors into structured attributes
//
// Usage:
//
//	logger := logging.NewSlogAdapter(logging.New(logging.Config{Format: "json", Level: logging.LogLevelInfo}))
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
package logging
