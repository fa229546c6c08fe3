// Package smartsheet is a thin REST client for the Smartsheet API 2.0.
package smartsheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sheetsync/internal/config"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("smartsheet: resource not found")

// APIError is the error body Smartsheet returns on non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  int    `json:"errorCode"`
	Message    string `json:"message"`
	RefID      string `json:"refId"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartsheet: status %d, code %d: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

// NewClient returns a client authenticating with a static bearer token and
// throttled client-side to cfg.RPS.
func NewClient(cfg config.SmartsheetConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.AccessToken,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = 30 * time.Second

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// GetSheetRaw returns the sheet resource exactly as served.
func (c *Client) GetSheetRaw(ctx context.Context, sheetID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/sheets/"+url.PathEscape(sheetID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// UpdateRows applies cell edits to existing rows.
func (c *Client) UpdateRows(ctx context.Context, sheetID string, rows []RowUpdate) (*Result, error) {
	if len(rows) == 0 {
		return nil, errors.New("smartsheet: no rows to update")
	}
	var res Result
	if err := c.do(ctx, http.MethodPut, "/sheets/"+url.PathEscape(sheetID)+"/rows", rows, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("smartsheet: rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("smartsheet: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("smartsheet: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("smartsheet: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Smartsheet request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("smartsheet: decode response: %w", err)
	}
	return nil
}
