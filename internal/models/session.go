package models

import "time"

// Status tracks a generation session through its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Finished reports whether no further events will be produced.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusError
}

// Session is one user-initiated document-generation request.
type Session struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Exhibits  []*Exhibit      `json:"exhibits,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Searches  []SearchPayload `json:"searches,omitempty"`
	Outputs   []*OutputFile   `json:"outputs,omitempty"`
	Links     *DoneLinks      `json:"links,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}
