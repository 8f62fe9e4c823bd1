// Package main hosts the cloudsync CLI entrypoint and command graph.
//
// Commands talk to a running daemon over its control socket when one is
// listening. Without a daemon, sync commands take the data directory lock and
// drive an in-process coordinator until the job finishes, while read-only
// commands query the database directly.
package main
