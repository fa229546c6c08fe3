package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sheetsync/internal/cache"
	"sheetsync/internal/config"
	"sheetsync/internal/database"
	"sheetsync/internal/events"
	"sheetsync/internal/jobs"
	"sheetsync/internal/realtime"
	"sheetsync/internal/service"
	"sheetsync/internal/smartsheet"
	"sheetsync/internal/webhook"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "hook-secret"

type testStack struct {
	srv         *httptest.Server
	cache       *cache.MemoryCache
	broadcaster *realtime.Broadcaster
	queue       *jobs.Queue
	db          *database.DB
	fetches     atomic.Int32
}

func newTestConfig() *config.Config {
	return &config.Config{
		Webhook: config.WebhookConfig{Secret: testWebhookSecret, MaxBodyBytes: 1 << 20},
		API: config.APIConfig{
			Auth: config.APIAuthConfig{HeaderAPIKey: "x-api-key"},
		},
	}
}

func newTestStack(t *testing.T, mutate func(*config.Config)) *testStack {
	t.Helper()
	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := zerolog.Nop()
	st := &testStack{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.fetches.Add(1)
		id := strings.TrimPrefix(r.URL.Path, "/sheets/")
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"errorCode":1006,"message":"Not Found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":1,"name":"sheet `+id+`","columns":[],"rows":[]}`)
	}))
	t.Cleanup(upstream.Close)

	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st.db = db

	st.cache = cache.NewMemoryCache(time.Hour, time.Minute)
	st.broadcaster = realtime.NewBroadcaster(&logger)
	t.Cleanup(st.broadcaster.Close)

	bus := events.NewEventBus()
	realtime.ForwardJobEvents(bus, st.broadcaster, &logger)

	client := smartsheet.NewClient(config.SmartsheetConfig{AccessToken: "tok", BaseURL: upstream.URL}, &logger)
	sheets := service.NewSheetService(client, st.cache, st.broadcaster, t.TempDir(), &logger)

	st.queue = jobs.NewQueue(db, nil, bus, jobs.Options{Workers: 1, PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second}, &logger)
	sheets.RegisterJobHandlers(st.queue)
	ctx, cancel := context.WithCancel(context.Background())
	st.queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		st.queue.Wait()
	})

	parser, err := webhook.NewParser()
	require.NoError(t, err)
	receiver := webhook.NewReceiver(cfg.Webhook.Secret, cfg.Webhook.MaxBodyBytes, parser, st.cache, st.broadcaster, &logger)

	server := NewHTTPServer(cfg, Deps{
		Webhook:     receiver,
		Broadcaster: st.broadcaster,
		Jobs:        st.queue,
		Sheets:      sheets,
		Cache:       st.cache,
		JobStats:    db,
		Checks:      map[string]Pinger{"database": db},
	}, &logger)

	st.srv = httptest.NewServer(server.Handler())
	t.Cleanup(st.srv.Close)
	return st
}

func (st *testStack) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, st.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (st *testStack) postWebhook(t *testing.T, body string) *http.Response {
	t.Helper()
	return st.do(t, http.MethodPost, "/smartsheet/webhook", body, map[string]string{
		webhook.SignatureHeader: webhook.Sign(testWebhookSecret, []byte(body)),
		"Content-Type":          "application/json",
	})
}

func (st *testStack) dialWS(t *testing.T, sheetID string) *websocket.Conn {
	t.Helper()
	before := st.broadcaster.Subscribers(sheetID)
	url := "ws" + strings.TrimPrefix(st.srv.URL, "http") + "/ws?sheetId=" + sheetID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool {
		return st.broadcaster.Subscribers(sheetID) == before+1
	}, time.Second, 5*time.Millisecond)
	return ws
}

func readJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, decodeJSON(resp.Body, &out))
	return out
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
