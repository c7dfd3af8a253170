// Package repository holds the storage contracts shared by the CockroachDB and
// in-memory call stores.
package repository

import "errors"

var (
	// ErrCallNotFound is returned when no call record has the requested id
	ErrCallNotFound = errors.New("call not found")

	// ErrActiveCallExists is returned when a chat already holds an initiated, ringing or ongoing call
	ErrActiveCallExists = errors.New("chat already has an active call")

	// ErrStaleCall is returned when an update was based on an outdated record version
	ErrStaleCall = errors.New("call record was modified concurrently")
)
