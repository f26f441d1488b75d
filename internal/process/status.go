package process

import "time"

// Status is a point-in-time copy of a launched program's state.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"` // -1 while running or when killed by a signal
	ExitErr   error     `json:"-"`
	Stopped   bool      `json:"stopped"` // termination was requested by Stop
}
