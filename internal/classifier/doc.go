// Package classifier turns a 16 kHz mono waveform into a per-frame score matrix.
//
// Two backends are provided:
//   - TFServing calls a YAMNet model hosted behind the TensorFlow Serving REST API,
//     with bounded concurrency and exponential backoff on transient failures.
//   - Energy is a dependency-free heuristic model used for local runs and tests.
package classifier
