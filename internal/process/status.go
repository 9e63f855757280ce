package process

import "time"

// Status is a point-in-time snapshot of a Process; kept minimal for internal use.
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitErr    error     `json:"exit_error,omitempty"`
	DetectedBy string    `json:"detected_by"`
	Restarts   int       `json:"restarts"`
	State      string    `json:"state"` // State machine state: stopped, starting, running, stopping
}
