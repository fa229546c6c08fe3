// Package webhook receives signed change callbacks from the spreadsheet
// service, invalidates the affected sheet's cache entry and fans the change
// out to live subscribers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"sheetsync/internal/metrics"
	"sheetsync/internal/models"

	"github.com/rs/zerolog"
)

// Invalidator marks a sheet's cached snapshot as stale.
type Invalidator interface {
	Invalidate(ctx context.Context, sheetID string) error
}

// Publisher delivers a message to every subscriber of a sheet.
type Publisher interface {
	Publish(sheetID string, msg any) (int, error)
}

// Receiver handles POST /smartsheet/webhook.
type Receiver struct {
	secret       string
	maxBodyBytes int64
	parser       *Parser
	cache        Invalidator
	publisher    Publisher
	logger       *zerolog.Logger
}

func NewReceiver(secret string, maxBodyBytes int64, parser *Parser, cache Invalidator, publisher Publisher, logger *zerolog.Logger) *Receiver {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Receiver{
		secret:       secret,
		maxBodyBytes: maxBodyBytes,
		parser:       parser,
		cache:        cache,
		publisher:    publisher,
		logger:       logger,
	}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw := &headerTracker{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			rc.logger.Error().Interface("panic", rec).Bool("response_sent", tw.sent).Msg("webhook handler panicked")
			metrics.IncWebhook("error")
			if !tw.sent {
				writeError(tw, http.StatusInternalServerError, "Internal server error")
			}
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.maxBodyBytes))
	if err != nil {
		rc.logger.Warn().Err(err).Msg("read webhook body")
		metrics.IncWebhook("invalid")
		writeError(tw, http.StatusBadRequest, "Invalid event format")
		return
	}

	if !Verify(rc.secret, body, r.Header.Get(SignatureHeader)) {
		rc.logger.Warn().
			Err(ErrInvalidSignature).
			Str("remote", r.RemoteAddr).
			Bool("signature_present", r.Header.Get(SignatureHeader) != "").
			Msg("webhook signature rejected")
		metrics.IncWebhook("unauthorized")
		writeError(tw, http.StatusUnauthorized, "Invalid signature")
		return
	}

	note, err := rc.parser.Parse(body)
	if err != nil {
		rc.logger.Warn().Err(err).Msg("webhook body rejected")
		metrics.IncWebhook("invalid")
		writeError(tw, http.StatusBadRequest, "Invalid event format")
		return
	}

	switch note.Kind {
	case KindChallenge:
		rc.logger.Info().Str("webhook_id", note.Challenge.WebhookID.String()).Msg("webhook challenge answered")
		metrics.IncWebhook("challenge")
		writeJSON(tw, http.StatusOK, map[string]string{"smartsheetHookResponse": note.Challenge.Challenge})
	case KindEvents:
		if err := rc.Process(r.Context(), note.Batch); err != nil {
			rc.logger.Error().Err(err).Str("sheet_id", note.Batch.ScopeObjectID.String()).Msg("process webhook batch")
			metrics.IncWebhook("error")
			writeError(tw, http.StatusInternalServerError, "Internal server error")
			return
		}
		metrics.IncWebhook("processed")
		writeJSON(tw, http.StatusOK, map[string]string{"status": "success"})
	default:
		rc.logger.Error().Stringer("kind", note.Kind).Msg("unhandled webhook notification kind")
		metrics.IncWebhook("error")
		writeError(tw, http.StatusInternalServerError, "Internal server error")
	}
}

// headerTracker records whether the response has been committed.
type headerTracker struct {
	http.ResponseWriter
	sent bool
}

func (t *headerTracker) WriteHeader(statusCode int) {
	t.sent = true
	t.ResponseWriter.WriteHeader(statusCode)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.sent = true
	return t.ResponseWriter.Write(b)
}

// Process invalidates and broadcasts every change in a validated batch. Each
// change's invalidation completes before its broadcast is sent.
func (rc *Receiver) Process(ctx context.Context, batch *models.ChangeBatch) error {
	if batch == nil {
		return errors.New("nil batch")
	}
	sheetID := batch.ScopeObjectID.String()

	for _, change := range batch.Events {
		if err := rc.cache.Invalidate(ctx, sheetID); err != nil {
			return fmt.Errorf("invalidate sheet %s: %w", sheetID, err)
		}
		metrics.IncCacheInvalidation()

		delivered, err := rc.publisher.Publish(sheetID, models.NewSheetUpdate(sheetID, change))
		if err != nil {
			return fmt.Errorf("broadcast change %s on sheet %s: %w", change.ID, sheetID, err)
		}
		rc.logger.Debug().
			Str("sheet_id", sheetID).
			Str("object_type", change.ObjectType).
			Str("action", change.Action).
			Str("object_id", change.ID.String()).
			Int("delivered", delivered).
			Msg("sheet change broadcast")
	}

	rc.logger.Info().
		Str("sheet_id", sheetID).
		Str("webhook_id", batch.WebhookID.String()).
		Int("changes", len(batch.Events)).
		Msg("webhook batch processed")
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
