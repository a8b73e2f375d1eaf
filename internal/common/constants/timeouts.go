// Package constants holds engine-wide defaults and fixed limits.
package constants

import "time"

const (
	// TerminateGrace is how long a process group gets between SIGTERM and SIGKILL.
	TerminateGrace = 5 * time.Second

	// InterruptGrace is how long an in-flight RPC call gets after an interrupt
	// before the transport is closed.
	InterruptGrace = 2 * time.Second

	// HeartbeatInterval is how often a live process touches its row.
	HeartbeatInterval = 30 * time.Second

	// StaleThreshold is the heartbeat age after which the reaper times a row out.
	StaleThreshold = 2 * time.Minute

	// ReapInterval is how often the reaper scans.
	ReapInterval = 30 * time.Second

	// SpawnTimeout bounds adapter handshakes (initialize, thread/start, new session).
	SpawnTimeout = 60 * time.Second

	// QueueDrainTimeout bounds how long in-flight jobs may run after shutdown starts.
	QueueDrainTimeout = 30 * time.Second
)

const (
	// MaxBusPayloadBytes is the largest serialized payload sent on the bus as-is.
	MaxBusPayloadBytes = 7500

	// MaxLineBytes caps a single protocol line held in a line buffer.
	MaxLineBytes = 10 * 1024 * 1024

	// ReapedMessage is recorded on rows the reaper times out.
	ReapedMessage = "heartbeat lost: process presumed dead"
)
