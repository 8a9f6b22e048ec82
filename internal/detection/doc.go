// Package detection reduces per-frame model scores to a siren decision and runs the
// full request pipeline: validate the upload, normalize it to a 16 kHz waveform,
// classify it and reduce the score matrix.
//
// Failures leave the pipeline as *Error with one of three kinds (validation,
// decode, internal), which the HTTP layer maps to status codes and messages.
// Results for identical uploads are cached in an LRU keyed by content hash, and
// concurrent identical uploads share a single pipeline run.
package detection
