package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sheetsync/internal/cache"
	"sheetsync/internal/metrics"
	"sheetsync/internal/models"
	"sheetsync/internal/smartsheet"

	"github.com/rs/zerolog"
)

var ErrSheetIDRequired = errors.New("sheet id is required")

// SheetClient is the part of the Smartsheet API the service needs.
type SheetClient interface {
	GetSheetRaw(ctx context.Context, sheetID string) (json.RawMessage, error)
	UpdateRows(ctx context.Context, sheetID string, rows []smartsheet.RowUpdate) (*smartsheet.Result, error)
}

// Publisher delivers a message to the subscribers of a sheet.
type Publisher interface {
	Publish(sheetID string, msg any) (int, error)
}

// SheetService reads sheets through the cache and applies edits upstream.
type SheetService struct {
	client    SheetClient
	cache     cache.SheetCache
	publisher Publisher
	exportDir string
	logger    *zerolog.Logger
	now       func() time.Time
}

func NewSheetService(client SheetClient, sheetCache cache.SheetCache, publisher Publisher, exportDir string, logger *zerolog.Logger) *SheetService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SheetService{
		client:    client,
		cache:     sheetCache,
		publisher: publisher,
		exportDir: exportDir,
		logger:    logger,
		now:       time.Now,
	}
}

// GetSheet serves the cached snapshot when it is fresh and otherwise fetches
// and caches a new one. hit reports which path was taken.
func (s *SheetService) GetSheet(ctx context.Context, sheetID string) (snapshot json.RawMessage, hit bool, err error) {
	if sheetID == "" {
		return nil, false, ErrSheetIDRequired
	}

	snapshot, ok, err := s.cache.Get(ctx, sheetID)
	if err != nil {
		// A broken cache degrades to a direct fetch.
		s.logger.Warn().Err(err).Str("sheet_id", sheetID).Msg("Cache read failed")
	}
	metrics.IncCacheLookup(ok)
	if ok {
		return snapshot, true, nil
	}

	snapshot, err = s.RefreshSheet(ctx, sheetID)
	if err != nil {
		return nil, false, err
	}
	return snapshot, false, nil
}

// RefreshSheet fetches the sheet and caches it. If the sheet is invalidated
// while the fetch is in flight the result is returned but not cached, since
// it may predate the change.
func (s *SheetService) RefreshSheet(ctx context.Context, sheetID string) (json.RawMessage, error) {
	if sheetID == "" {
		return nil, ErrSheetIDRequired
	}

	gen, genErr := s.cache.Generation(ctx, sheetID)
	if genErr != nil {
		s.logger.Warn().Err(genErr).Str("sheet_id", sheetID).Msg("Cache generation read failed")
	}

	snapshot, err := s.client.GetSheetRaw(ctx, sheetID)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet %s: %w", sheetID, err)
	}
	if genErr != nil {
		return snapshot, nil
	}

	stored, err := s.cache.SetIfGeneration(ctx, sheetID, snapshot, gen)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Str("sheet_id", sheetID).Msg("Cache write failed")
	case !stored:
		s.logger.Debug().Str("sheet_id", sheetID).Msg("Sheet changed during fetch, snapshot not cached")
	}

	s.logger.Debug().Str("sheet_id", sheetID).Int("bytes", len(snapshot)).Msg("Sheet refreshed")
	return snapshot, nil
}

// UpdateRows applies row edits upstream, invalidates the cached snapshot and
// tells subscribers the sheet changed. Smartsheet will also deliver a webhook
// for the edit; the local notice lets clients refresh without waiting for it.
func (s *SheetService) UpdateRows(ctx context.Context, sheetID string, rows []smartsheet.RowUpdate) (*smartsheet.Result, error) {
	if sheetID == "" {
		return nil, ErrSheetIDRequired
	}

	res, err := s.client.UpdateRows(ctx, sheetID, rows)
	if err != nil {
		return nil, fmt.Errorf("update rows of sheet %s: %w", sheetID, err)
	}

	if err := s.cache.Invalidate(ctx, sheetID); err != nil {
		return res, fmt.Errorf("invalidate sheet %s: %w", sheetID, err)
	}
	metrics.IncCacheInvalidation()

	change := models.Change{
		ObjectType: models.ObjectSheet,
		Action:     models.ActionUpdated,
		ID:         models.ObjectID(sheetID),
		Timestamp:  s.now().UTC().Format(time.RFC3339),
	}
	if _, err := s.publisher.Publish(sheetID, models.NewSheetUpdate(sheetID, change)); err != nil {
		s.logger.Warn().Err(err).Str("sheet_id", sheetID).Msg("Broadcast after row update failed")
	}

	s.logger.Info().Str("sheet_id", sheetID).Int("rows", len(rows)).Msg("Rows updated")
	return res, nil
}
