// Package audio normalizes uploaded audio into the waveform the classifier expects.
// It writes uploads to scoped temporary files, transcodes them to PCM WAV with ffmpeg,
// decodes the WAV container, down-mixes to mono and resamples to 16 kHz.
package audio
