// Package store provides the durable session and chunk tables backing
// crash-recoverable recordings. Every mutation runs inside a single SQLite
// transaction spanning both tables.
package store
