package models

// SheetUpdateMessage is pushed to every subscriber of a sheet for each change.
type SheetUpdateMessage struct {
	Type    string       `json:"type"`
	SheetID string       `json:"sheetId"`
	Change  ChangeNotice `json:"change"`
}

// ChangeNotice is the client-facing view of a Change.
type ChangeNotice struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

// NewSheetUpdate builds the sheet_update frame for a change.
func NewSheetUpdate(sheetID string, c Change) SheetUpdateMessage {
	return SheetUpdateMessage{
		Type:    MessageSheetUpdate,
		SheetID: sheetID,
		Change: ChangeNotice{
			Type:      c.ObjectType,
			Action:    c.Action,
			ID:        c.ID.String(),
			Timestamp: c.Timestamp,
		},
	}
}

// JobUpdateMessage is pushed to subscribers of a job's sheet on lifecycle transitions.
type JobUpdateMessage struct {
	Type    string    `json:"type"`
	SheetID string    `json:"sheetId"`
	Job     JobNotice `json:"job"`
}

type JobNotice struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
