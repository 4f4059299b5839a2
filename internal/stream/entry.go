package stream

import (
	"encoding/json"
	"time"
)

// Entry is one container log line as delivered to observers.
type Entry struct {
	RunID   string    `json:"run_id"`
	Service string    `json:"service"`
	Stream  string    `json:"stream"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Marshal formats the entry for streaming payloads.
func (e Entry) Marshal() ([]byte, error) {
	e.Time = e.Time.UTC()
	return json.Marshal(e)
}
