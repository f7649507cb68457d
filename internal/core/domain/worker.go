package domain

import "time"

type WorkerState string

const (
	WorkerRunning WorkerState = "running"
	WorkerDead    WorkerState = "dead"
)

// WorkerInfo is a snapshot of one supervised worker.
type WorkerInfo struct {
	ID         WorkerID    `json:"id"`
	PID        int         `json:"pid"`
	PortMin    uint16      `json:"port_min"`
	PortMax    uint16      `json:"port_max"`
	State      WorkerState `json:"state"`
	Routers    int         `json:"routers"`
	StartedAt  time.Time   `json:"started_at"`
	DiedAt     *time.Time  `json:"died_at,omitempty"`
	DeathCause string      `json:"death_cause,omitempty"`
}
