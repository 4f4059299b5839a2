// Package history persists harness run outcomes in a local SQLite database.
package history

import "time"

// Run statuses stored in the database. Terminal statuses mirror the runner's
// result statuses.
const StatusRunning = "running"

// Run is one harness execution.
type Run struct {
	ID             string       `json:"id"`
	TestName       string       `json:"test_name"`
	ManifestDigest string       `json:"manifest_digest"`
	Status         string       `json:"status"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	Services       []ServiceRun `json:"services,omitempty"`
}

// ServiceRun is one container started on behalf of a run.
type ServiceRun struct {
	RunID       string `json:"run_id"`
	Service     string `json:"service"`
	Image       string `json:"image"`
	ContainerID string `json:"container_id"`
}

// Finish carries the terminal state of a run.
type Finish struct {
	RunID      string
	Status     string
	ExitCode   int
	Reason     string
	FinishedAt time.Time
}
