package model

import (
	"encoding/json"
	"time"
)

// Target is a remote execution endpoint that terminal sessions attach to.
type Target struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Workdir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Validate validates the target record.
func (t *Target) Validate() error {
	if t.Command == "" {
		return ErrCommandRequired
	}
	return nil
}

// EnvToJSON converts the Env map to a JSON string for storage.
func (t *Target) EnvToJSON() (string, error) {
	if t.Env == nil {
		return "", nil
	}
	data, err := json.Marshal(t.Env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnvFromJSON parses a JSON string into the Env map.
func (t *Target) EnvFromJSON(data string) error {
	if data == "" {
		t.Env = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &t.Env)
}

// TerminalEndReason describes why a shared terminal session was torn down.
type TerminalEndReason string

const (
	TerminalEndIdle     TerminalEndReason = "idle"
	TerminalEndExited   TerminalEndReason = "exited"
	TerminalEndFailed   TerminalEndReason = "failed"
	TerminalEndShutdown TerminalEndReason = "shutdown"
)

// TerminalSessionRecord is the audit row kept for every shared terminal session.
type TerminalSessionRecord struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"targetId"`
	Node        string            `json:"node"`
	StartedAt   time.Time         `json:"startedAt"`
	EndedAt     *time.Time        `json:"endedAt,omitempty"`
	EndReason   TerminalEndReason `json:"endReason,omitempty"`
	PeakViewers int               `json:"peakViewers"`
}
