// Package workflow loads, validates and executes workflow definitions.
//
// A workflow is a JSON document describing a DAG of typed nodes. The Loader
// reads definitions from the templates and custom directories (custom wins on
// a name conflict) and invalidates its cache when either directory changes.
// The Engine executes a definition node by node in a deterministic
// topological order, resolving ${…} parameter references immediately before
// each handler runs and reporting every state change through a progress
// callback. Results, progress events and logs are persisted by Storage; the
// Tracker holds the table of running executions and their cancellation flags.
package workflow
