// Package worker provides a bounded pool for blocking calls made on behalf of sessions.
package worker
