package domain

import "time"

// ManagedProcess is a snapshot of a long-lived child process.
type ManagedProcess struct {
	ProcessID   string        `json:"process_id"`
	RunID       string        `json:"run_id"`
	Command     string        `json:"command"`
	Args        []string      `json:"args"`
	Cwd         string        `json:"cwd"`
	Status      ProcessStatus `json:"status"`
	PID         int           `json:"pid,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Signal      string        `json:"signal,omitempty"`
	Error       string        `json:"error,omitempty"`
	PreviewURLs []string      `json:"preview_urls"`
	LogBytes    int           `json:"log_bytes"`
	LogEntries  int           `json:"log_entries"`
}

// LogEntry is one line captured from a managed process.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
