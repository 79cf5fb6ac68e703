// Package meet drives a browser into a video meeting: it opens the meeting
// page, picks the audio output device, asks to join and watches for host
// approval and for the meeting to end.
package meet
