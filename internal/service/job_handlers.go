package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sheetsync/internal/jobs"
	"sheetsync/internal/models"
	"sheetsync/internal/smartsheet"
)

const (
	JobRefreshSheet = "refresh_sheet"
	JobUpdateRows   = "update_rows"
	JobExportXLSX   = "export_xlsx"
)

// JobRegistry accepts job handlers.
type JobRegistry interface {
	Register(jobType string, h jobs.Handler)
}

type updateRowsPayload struct {
	Rows []smartsheet.RowUpdate `json:"rows"`
}

// RegisterJobHandlers binds the sheet job types to q.
func (s *SheetService) RegisterJobHandlers(q JobRegistry) {
	q.Register(JobRefreshSheet, s.refreshSheetJob)
	q.Register(JobUpdateRows, s.updateRowsJob)
	q.Register(JobExportXLSX, s.exportXLSXJob)
}

func (s *SheetService) refreshSheetJob(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	snapshot, err := s.RefreshSheet(ctx, job.SheetID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"sheetId": job.SheetID, "bytes": len(snapshot)})
}

func (s *SheetService) updateRowsJob(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if len(job.Payload) == 0 {
		return nil, errors.New("update_rows requires a payload")
	}
	var payload updateRowsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode update_rows payload: %w", err)
	}
	if len(payload.Rows) == 0 {
		return nil, errors.New("update_rows payload has no rows")
	}

	res, err := s.UpdateRows(ctx, job.SheetID, payload.Rows)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"sheetId": job.SheetID,
		"updated": len(payload.Rows),
		"version": res.Version,
	})
}

func (s *SheetService) exportXLSXJob(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	path, err := s.ExportXLSX(ctx, job.SheetID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"sheetId": job.SheetID, "path": path})
}
