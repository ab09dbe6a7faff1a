// Package audio handles PCM sample accumulation and WAV conversion.
// It buffers capture frames between flushes without copying them, flattens
// them into one contiguous slice on demand, and converts float samples to
// the 16-bit PCM WAV input fed to the transcoding engine.
package audio
