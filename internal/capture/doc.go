// Package capture defines the microphone capture primitive and a miniaudio
// backed implementation. A Stream hands frames of interleaved float32
// samples to a single consumer over a channel; the device callback never
// blocks on that channel.
package capture
