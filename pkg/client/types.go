package client

import "time"

// GenerateRequest asks the daemon to create or update a project.
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"llm_provider,omitempty"`
	Model    string `json:"model_name,omitempty"`
}

// FixRequest asks the daemon to repair a project's recorded problem.
type FixRequest struct {
	Instructions string `json:"instructions,omitempty"`
	Provider     string `json:"llm_provider,omitempty"`
	Model        string `json:"model_name,omitempty"`
}

// ProjectInfo is one entry of the project list.
type ProjectInfo struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project carries a project's metadata and source files.
type Project struct {
	ProjectInfo
	Files map[string]string `json:"files"`
}

// Problem is the failure recorded for a project's most recent run.
type Problem struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResponse is returned after a launch.
type RunResponse struct {
	Message   string `json:"message"`
	ProjectID string `json:"project_id"`
	PID       int    `json:"pid"`
}

// StopResponse reports whether an application was stopped.
type StopResponse struct {
	Stopped bool   `json:"stopped"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// RunStatus is the supervisor snapshot.
type RunStatus struct {
	State     string     `json:"state"`
	ProjectID string     `json:"project_id,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Stdout    []string   `json:"stdout,omitempty"`
	Stderr    []string   `json:"stderr,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
