// Package api holds the shared data model of the flotilla orchestrator and the
// typed error taxonomy used across subsystems.
//
// Every entity that crosses a component boundary lives here: workflow
// definitions and their typed nodes, execution contexts and results, package
// metadata and installation records, registry configuration, health metrics
// and transaction records. Components depend on this package instead of on
// each other, keeping the dependency graph flat.
//
// The error types in errors.go mirror the failure taxonomy of the platform.
// Each carries enough structure for callers to react programmatically
// (errors.As based IsX helpers) while Sanitize produces the user-facing string
// form with paths and secrets stripped.
package api
