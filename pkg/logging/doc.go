// Package logging provides the process-wide structured logger used by every
// flotilla subsystem.
//
// The API is a thin wrapper around log/slog: each call names its subsystem
// (e.g. "Engine", "SessionManager", "Docker") and uses printf-style message
// formatting. The subsystem becomes a structured attribute on the entry so
// output remains grep-able per component.
//
// Init must be called once at startup with the desired level; before that,
// calls fall back to an info-level stderr handler so early startup paths are
// never silent.
package logging
