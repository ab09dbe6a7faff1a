// Package recovery handles sessions left behind by recordings that never
// finished: retention housekeeping at startup, and the list, recover and
// discard operations offered to the user.
package recovery
