// Package audio captures system audio into WAV recordings.
// It selects a loopback or virtual capture device, moves driver buffers through a
// bounded queue into a streaming WAV writer, and compresses finished recordings
// with ffmpeg before they are handed off for transcription.
package audio
