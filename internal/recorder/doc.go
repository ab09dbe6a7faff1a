// Package recorder coordinates a recording from microphone to final file.
//
// An Orchestrator moves through Idle, Starting, Recording, Stopping and
// Aborting. While recording, one goroutine moves capture frames into an
// audio.Accumulator and hands a flattened batch to a second goroutine every
// flush interval. That goroutine encodes the batch and appends it to the
// session store, one batch at a time, so chunk order always matches capture
// order. Stopping releases the device first, then concatenates the stored
// chunks into the final file and deletes the session. Abort leaves every
// stored chunk in place for later recovery.
//
// The session being recorded is leased in the store for the whole
// recording (see HoldLease), so recorders in other processes sharing the
// database do not treat it as abandoned.
package recorder
