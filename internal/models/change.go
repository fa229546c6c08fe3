package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ObjectID is an identifier the spreadsheet service may send either as a
// JSON string or as a JSON number. It is always held as a string.
type ObjectID string

func (id *ObjectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ObjectID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("object id must be a string or number: %w", err)
	}
	*id = ObjectID(n.String())
	return nil
}

func (id ObjectID) String() string {
	return string(id)
}

// Challenge is the handshake body sent when a webhook is enabled.
type Challenge struct {
	Challenge string   `json:"challenge"`
	WebhookID ObjectID `json:"webhookId"`
}

// ChangeBatch is a change-event callback for one scope object (a sheet).
type ChangeBatch struct {
	WebhookID     ObjectID `json:"webhookId"`
	Scope         string   `json:"scope"`
	ScopeObjectID ObjectID `json:"scopeObjectId"`
	Events        []Change `json:"events"`
}

// Change is a single sheet or row change inside a batch.
type Change struct {
	ObjectType string   `json:"objectType"`
	Action     string   `json:"action"`
	ID         ObjectID `json:"id"`
	Timestamp  string   `json:"timestamp"`
}
