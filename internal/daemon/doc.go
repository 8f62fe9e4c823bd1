// Package daemon coordinates the long-running cloudsync process.
//
// It wires configuration, the sync coordinator, the network monitor, and a
// control API on a unix socket into a single lifecycle with flock-based
// locking to prevent multiple instances. At startup it recovers state left
// by an unclean stop; while running it sweeps stale work items and starts
// scheduled syncs for the configured profiles.
//
// Keep orchestration logic here: sync semantics live in the coordinator
// while the daemon focuses on startup, shutdown, and scheduling.
package daemon
