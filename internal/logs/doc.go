// Package logs reads the daemon and CLI log files for `cloudsync logs`.
//
// Last returns the trailing lines of a file with bounded memory, and Follow
// polls for appended lines until its context ends. Follow restarts from the
// top of the file when lumberjack rotates it underneath the reader.
package logs
