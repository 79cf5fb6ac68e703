// Package orchestrator drives a meeting session through its lifecycle: join,
// host approval, recording, stop and transcription handoff. Failures at any
// step leave the session crashed while acquired resources are still released.
package orchestrator
