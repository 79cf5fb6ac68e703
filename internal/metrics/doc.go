// Package metrics defines the Prometheus metrics exported by the meeting bot service.
package metrics
