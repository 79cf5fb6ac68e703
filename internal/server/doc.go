// Package server implements the HTTP API: meeting creation and status,
// manual transcription and ticket triggers, and the health, stats, config
// and Prometheus monitoring endpoints.
package server
