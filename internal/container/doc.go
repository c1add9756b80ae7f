// Package container translates package deployment specs into Docker
// containers and maintains the declarative installed-packages state.
//
// The Runtime shells out to the docker CLI. The Manager owns the declared
// state file (configs/installed-packages.json): the file never records
// container ids, which are runtime state reconciled from the daemon at
// startup and kept in memory only. That keeps the file portable across
// machines and lets rollback restore it bit-for-bit.
package container
