package smartsheet

import "encoding/json"

// Sheet is the subset of the Smartsheet sheet resource this service reads.
type Sheet struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Version     int      `json:"version"`
	TotalRows   int      `json:"totalRowCount"`
	Permalink   string   `json:"permalink,omitempty"`
	ModifiedAt  string   `json:"modifiedAt,omitempty"`
	Columns     []Column `json:"columns"`
	Rows        []Row    `json:"rows"`
	AccessLevel string   `json:"accessLevel,omitempty"`
}

type Column struct {
	ID      int64  `json:"id"`
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Primary bool   `json:"primary,omitempty"`
}

type Row struct {
	ID        int64  `json:"id"`
	RowNumber int    `json:"rowNumber"`
	Cells     []Cell `json:"cells"`
}

type Cell struct {
	ColumnID     int64  `json:"columnId"`
	Value        any    `json:"value,omitempty"`
	DisplayValue string `json:"displayValue,omitempty"`
}

// RowUpdate is one row edit for PUT /sheets/{id}/rows.
type RowUpdate struct {
	ID    int64        `json:"id"`
	Cells []CellUpdate `json:"cells"`
}

type CellUpdate struct {
	ColumnID int64 `json:"columnId"`
	Value    any   `json:"value"`
	Strict   *bool `json:"strict,omitempty"`
}

// Result wraps responses of mutating endpoints.
type Result struct {
	Message    string          `json:"message"`
	ResultCode int             `json:"resultCode"`
	Version    int             `json:"version,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Header returns the column titles in index order.
func (s *Sheet) Header() []string {
	titles := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		titles[i] = c.Title
	}
	return titles
}

// Values returns the row cells aligned with Columns. Missing cells are nil.
func (s *Sheet) Values(r Row) []any {
	pos := make(map[int64]int, len(s.Columns))
	for i, c := range s.Columns {
		pos[c.ID] = i
	}
	out := make([]any, len(s.Columns))
	for _, cell := range r.Cells {
		i, ok := pos[cell.ColumnID]
		if !ok {
			continue
		}
		if cell.DisplayValue != "" {
			out[i] = cell.DisplayValue
		} else {
			out[i] = cell.Value
		}
	}
	return out
}
