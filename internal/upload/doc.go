// Package upload validates uploaded audio files by their declared filename.
// Only the extension is inspected; file contents are never sniffed.
package upload
