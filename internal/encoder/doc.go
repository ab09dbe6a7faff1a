// Package encoder wraps an external transcoding engine behind a chunk-level
// API. The Adapter lazily initializes the engine once, converts flushed
// sample batches into compressed chunks, and concatenates stored chunks into
// a single re-encoded output file. Every temporary file an operation creates
// is removed afterwards, whether the operation succeeded or not.
package encoder
