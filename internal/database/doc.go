// Package database opens the cloudsync SQLite database and owns its schema.
//
// Open applies the connection pragmas and the embedded migrations in order.
// The retry helpers absorb SQLITE_BUSY contention between the coordinator's
// concurrent workers, and the time helpers fix the on-disk timestamp format so
// that string ordering in SQL matches chronological ordering.
package database
