// Package storage keeps the node journal: an append-only record of finished
// heartbeats and optimizations. The scheduler never reads it back; it exists
// for auditing and for the CLI.
package storage
