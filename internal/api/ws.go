package api

import (
	"net/http"
	"net/url"
	"strings"

	"sheetsync/internal/realtime"

	"github.com/google/uuid"
)

// handleWS upgrades the request and subscribes the connection to sheetId
// until either side closes it.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	sheetID := strings.TrimSpace(r.URL.Query().Get("sheetId"))
	if sheetID == "" {
		writeError(w, http.StatusBadRequest, "sheetId is required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn().Err(err).Str("sheet_id", sheetID).Msg("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := s.logger.With().Str("conn_id", connID).Str("sheet_id", sheetID).Logger()
	conn := realtime.NewConn(connID, ws, &logger)
	s.deps.Broadcaster.Subscribe(sheetID, conn)

	// Blocks until the connection is closed; the close hook unsubscribes.
	conn.Run()
}

// originChecker allows every origin when none are configured. Otherwise the
// Origin header must match one of allowed exactly, or allowed contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if _, ok := set["*"]; ok {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
