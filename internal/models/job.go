package models

import (
	"encoding/json"
	"time"
)

// Job represents a queued unit of asynchronous work.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SheetID   string          `json:"sheetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
