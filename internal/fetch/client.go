// Package fetch downloads daily river data files from the upstream river
// list service into a source bucket.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/models"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/source"
)

// DefaultLookbackDays is how far back a sync starts when nothing has been
// downloaded yet.
const DefaultLookbackDays = 3 * 365

// ErrUpstream is returned when the service answers with a non-zero code.
var ErrUpstream = errors.New("upstream error")

var defaultHeaders = map[string]string{
	"Accept":       "application/json, text/plain, */*",
	"Content-Type": "application/json;charset=UTF-8",
}

// Sink is where downloaded days are stored.
type Sink interface {
	List(ctx context.Context) ([]source.File, error)
	Exists(ctx context.Context, name string) (bool, error)
	Write(ctx context.Context, name string, data []byte) error
}

// Config holds the request settings.
type Config struct {
	URL     string
	Headers map[string]string
	Cookies map[string]string
	Timeout time.Duration
}

// Client posts one query per day to the river list service.
type Client struct {
	httpClient *http.Client
	url        string
	headers    map[string]string
	cookies    map[string]string
	logger     *slog.Logger
}

// NewClient creates a Client. Empty Headers fall back to a minimal JSON set.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = defaultHeaders
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.URL,
		headers:    headers,
		cookies:    cfg.Cookies,
		logger:     observability.Component(logger, "fetch"),
	}
}

// FetchDay retrieves the payload for day and checks that the service
// reported success.
func (c *Client) FetchDay(ctx context.Context, day civil.Date) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"queryDate": day.String()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", day, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	env, err := models.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if !env.OK() {
		code := "missing"
		if env.Code != nil {
			code = fmt.Sprint(*env.Code)
		}
		return nil, fmt.Errorf("%w: code %s: %s", ErrUpstream, code, env.Message)
	}
	return payload, nil
}

// SyncResult counts downloaded and failed days.
type SyncResult struct {
	Success int `json:"success"`
	Fail    int `json:"fail"`
}

// LatestDay returns the newest valid day in sink, or ok=false when none.
func LatestDay(ctx context.Context, sink Sink) (day civil.Date, ok bool, err error) {
	files, err := sink.List(ctx)
	if err != nil {
		return civil.Date{}, false, err
	}
	for _, f := range files {
		if f.DateErr != nil {
			continue
		}
		if !ok || f.Date.After(day) {
			day, ok = f.Date, true
		}
	}
	return day, ok, nil
}

// SyncToLatest downloads every day after the newest stored one up to and
// including today. Days already present are left alone; a failed day is
// counted and the sync moves on.
func (c *Client) SyncToLatest(ctx context.Context, sink Sink, today civil.Date) (SyncResult, error) {
	var result SyncResult

	last, ok, err := LatestDay(ctx, sink)
	if err != nil {
		return result, fmt.Errorf("find latest day: %w", err)
	}
	if !ok {
		last = today.AddDays(-DefaultLookbackDays)
	}

	for day := last.AddDays(1); !day.After(today); day = day.AddDays(1) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := c.syncDay(ctx, sink, day); err != nil {
			c.logger.Warn("failed to download day", "date", day.String(), "error", err)
			result.Fail++
			continue
		}
		result.Success++
	}

	c.logger.Info("download finished", "success", result.Success, "fail", result.Fail)
	return result, nil
}

func (c *Client) syncDay(ctx context.Context, sink Sink, day civil.Date) error {
	name := source.FileName(day)
	exists, err := sink.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	payload, err := c.FetchDay(ctx, day)
	if err != nil {
		return err
	}
	if err := sink.Write(ctx, name, payload); err != nil {
		return err
	}
	c.logger.Debug("saved day", "file", name)
	return nil
}

// Job binds a client to a sink and a clock so callers can download up to
// the current local day without knowing either.
type Job struct {
	Client *Client
	Sink   Sink
	Clock  clockwork.Clock
}

// Download runs SyncToLatest for today's date in the clock's local zone.
func (j Job) Download(ctx context.Context) (SyncResult, error) {
	clock := j.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return j.Client.SyncToLatest(ctx, j.Sink, civil.DateOf(clock.Now()))
}
