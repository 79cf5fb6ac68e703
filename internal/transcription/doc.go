// Package transcription hands finished recordings off for transcription.
// In resume_url mode the (compressed) recording is uploaded to the session's
// resume URL; in speech_to_text mode it is sent to a diarizing speech-to-text
// provider and the grouped speaker segments are forwarded instead.
package transcription
