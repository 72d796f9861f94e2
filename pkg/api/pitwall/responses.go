package pitwall

import "encoding/json"

// SessionSummary represents one active session in the /sessions listing
type SessionSummary struct {
	SessionID   string `json:"sessionId"`
	TrackName   string `json:"trackName"`
	SessionType string `json:"sessionType"`
	DriverCount int    `json:"driverCount"`
	LastUpdate  string `json:"lastUpdate"`
}

// SessionsResponse represents the response from the /sessions API
type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

// PollCreateResponse represents the response from creating a long-poll connection
type PollCreateResponse struct {
	ConnectionID string `json:"connectionId"`
}

// PollEventsResponse represents a batch of long-poll events
type PollEventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// PollSendResponse acknowledges envelopes submitted over a long-poll connection
type PollSendResponse struct {
	Accepted int `json:"accepted"`
}

// ErrorResponse represents a generic error response
type ErrorResponse struct {
	Error string `json:"error"`
}
