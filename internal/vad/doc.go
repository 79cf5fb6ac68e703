// Package vad provides energy-based audio activity detection for captured buffers.
// It distinguishes zero-amplitude buffers (a silent or misrouted device) from
// quiet and active audio, and keeps per-window statistics for diagnostics.
package vad
