package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sheetsync/internal/database"
	"sheetsync/internal/jobs"
	"sheetsync/internal/models"
	"sheetsync/internal/smartsheet"
)

const maxJobBodyBytes = 1 << 20

type createJobRequest struct {
	Type    string          `json:"type"`
	SheetID string          `json:"sheetId"`
	Payload json.RawMessage `json:"payload"`
}

func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJobBodyBytes))
	decoder.DisallowUnknownFields()

	var body createJobRequest
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Type = strings.TrimSpace(body.Type)
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id, err := s.deps.Jobs.Enqueue(r.Context(), body.Type, strings.TrimSpace(body.SheetID), body.Payload)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJobType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("job_type", body.Type).Msg("Enqueue failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": models.JobPending})
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error().Err(err).Msg("Job status failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleGetSheet(w http.ResponseWriter, r *http.Request) {
	sheetID := r.PathValue("id")
	snapshot, hit, err := s.deps.Sheets.GetSheet(r.Context(), sheetID)
	if err != nil {
		if errors.Is(err, smartsheet.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sheet not found")
			return
		}
		s.logger.Error().Err(err).Str("sheet_id", sheetID).Msg("Sheet read failed")
		writeError(w, http.StatusBadGateway, "sheet unavailable")
		return
	}

	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

func (s *HTTPServer) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	sheetID := r.PathValue("id")
	entry, err := s.deps.Cache.Entry(r.Context(), sheetID)
	if err != nil {
		s.logger.Error().Err(err).Str("sheet_id", sheetID).Msg("Cache inspection failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sheetId":       entry.SheetID,
		"state":         entry.State,
		"fetchedAt":     entry.FetchedAt,
		"invalidatedAt": entry.InvalidatedAt,
		"subscribers":   s.deps.Broadcaster.Subscribers(sheetID),
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, p := range s.deps.Checks {
		if err := p.PingContext(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"checks": checks,
		"sheets": len(s.deps.Broadcaster.SheetIDs()),
	}

	if s.deps.JobStats != nil {
		counts, err := s.deps.JobStats.CountJobsByStatus(ctx)
		if err != nil {
			checks["jobs"] = err.Error()
			healthy = false
		} else {
			body["jobs"] = counts
		}
	}

	// A cache on its fallback still serves; it is reported, not failed.
	if d, ok := s.deps.Cache.(degradable); ok {
		body["cache"] = "primary"
		if d.Degraded() {
			body["cache"] = "fallback"
		}
	}

	body["status"] = "ok"
	code := http.StatusOK
	if !healthy {
		body["status"], code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}
