// Package logging provides the agent's subsystem-tagged logging helpers
// on top of Go's standard slog package.
//
// Every entry carries a subsystem identifier ("Compliance", "Registrar",
// "ConfigSync", ...) so one daemon log can be filtered per concern:
//
//	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)
//	logging.Info("Compliance", "Loaded %d modules", count)
//	logging.Error("Registrar", err, "Registration failed")
//
// Init installs the process-wide logger; ParseLevel maps the config.yaml
// logLevel string onto a LogLevel. Fallback writes straight to stderr
// for bootstrap code that runs before Init.
package logging
