// Package registry implements the package side of the platform: the
// multi-registry package index with health-tracked failover, the exact-version
// dependency resolver, the append-only transaction log, GPG manifest
// verification and the composing Service that carries out install, update,
// remove and rollback with whole-document state snapshots.
//
// Registries are declared in an INI registries.conf. An entry is either an
// HTTP registry serving /api/v2/packages or a file:// directory of package
// subdirectories each holding an mcp.json manifest.
package registry
