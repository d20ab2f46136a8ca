package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage carries one job transition
type WSStatusMessage struct {
	Type         string    `json:"type"`
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	AttemptCount int       `json:"attemptCount"`
	Message      string    `json:"message,omitempty"`
	OutputRefs   []string  `json:"outputRefs,omitempty"`
}
