// Package server wires the scheduler, event loop, dispatcher and handler
// pipeline into a runnable whole. It owns no core logic of its own;
// everything here is startup sequencing and shutdown coordination.
package server

import "time"

// Config holds the CLI-configurable values: listen port, worker count,
// ready-queue policy, and the recv_async idle timeout.
type Config struct {
	Port              int
	Workers           int
	Policy            string
	RecvTimeout       time.Duration
	MaxConnsPerWorker int
	PublicRoot        string
}

// DefaultConfig returns the defaults: 4 workers, LIFO ready-queue policy,
// a 5 second recv timeout.
func DefaultConfig() Config {
	return Config{
		Port:              8080,
		Workers:           4,
		Policy:            "lifo",
		RecvTimeout:       5 * time.Second,
		MaxConnsPerWorker: 0,
		PublicRoot:        "./public",
	}
}
