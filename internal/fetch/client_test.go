package fetch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeService struct {
	mu      sync.Mutex
	queried []string
	failOn  map[string]int // date -> upstream code
	onQuery func()
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json;charset=UTF-8", r.Header.Get("Content-Type"))
		cookie, err := r.Cookie("SESSION")
		if assert.NoError(t, err) {
			assert.Equal(t, "abc", cookie.Value)
		}

		var body struct {
			QueryDate string `json:"queryDate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		f.queried = append(f.queried, body.QueryDate)
		code, fail := f.failOn[body.QueryDate]
		hook := f.onQuery
		f.mu.Unlock()
		if hook != nil {
			hook()
		}

		w.Header().Set("Content-Type", "application/json")
		if fail {
			_, _ = w.Write([]byte(`{"code":` + strconv.Itoa(code) + `,"message":"denied"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"river_data":[{"river_system":"x","river_detail":[{"river":"A","river_name":"S1","Z":"1.5","Q":"10.0"}]}]}}`))
	})
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		URL:     url,
		Cookies: map[string]string{"SESSION": "abc"},
		Timeout: 5 * time.Second,
	}, testLogger())
}

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFetchDay(t *testing.T) {
	svc := &fakeService{failOn: map[string]int{"2024-01-02": 401}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	c := newTestClient(srv.URL)
	payload, err := c.FetchDay(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"river_name":"S1"`)

	_, err = c.FetchDay(context.Background(), day("2024-01-02"))
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "401")
}

func TestFetchDayHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchDay(context.Background(), day("2024-01-01"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	html := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	defer html.Close()
	_, err = newTestClient(html.URL).FetchDay(context.Background(), day("2024-01-01"))
	assert.Error(t, err)
}

func TestSyncToLatest(t *testing.T) {
	svc := &fakeService{failOn: map[string]int{"2024-01-04": 500}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	ctx := context.Background()
	dir := t.TempDir()
	sink, err := source.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "river_data_2024-01-01.json"), []byte(`{"code":0}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "river_data_2024-01-03.json"), []byte(`{"code":0}`), 0o644))

	c := newTestClient(srv.URL)
	result, err := c.SyncToLatest(ctx, sink, day("2024-01-05"))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Success: 1, Fail: 1}, result)
	assert.Equal(t, []string{"2024-01-04", "2024-01-05"}, svc.queried, "days before the newest file are not re-fetched")

	_, err = os.Stat(filepath.Join(dir, "river_data_2024-01-05.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "river_data_2024-01-04.json"))
	assert.True(t, os.IsNotExist(err), "a failed day leaves no file")

	// up to date: nothing to do
	result, err = c.SyncToLatest(ctx, sink, day("2024-01-05"))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, result)
}

func TestSyncToLatestDefaultLookback(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	ctx := context.Background()
	sink, err := source.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	today := day("2024-01-10")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// only the first requested day matters; stop right after it
	svc.onQuery = cancel

	_, err = newTestClient(srv.URL).SyncToLatest(ctx, sink, today)
	assert.ErrorIs(t, err, context.Canceled)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.NotEmpty(t, svc.queried)
	assert.Equal(t, today.AddDays(-DefaultLookbackDays+1).String(), svc.queried[0])
}

func TestLatestDay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := source.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	_, ok, err := LatestDay(ctx, sink)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, name := range []string{"river_data_2023-05-01.json", "river_data_2023-06-01.json.gz", "river_data_oops.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o644))
	}
	latest, ok, err := LatestDay(ctx, sink)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2023-06-01", latest.String())
}

func TestJobDownloadUsesClockDay(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	ctx := context.Background()
	dir := t.TempDir()
	sink, err := source.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	require.NoError(t, os.WriteFile(filepath.Join(dir, "river_data_2024-03-01.json"), []byte(`{}`), 0o644))

	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 3, 8, 30, 0, 0, time.Local))
	job := Job{Client: newTestClient(srv.URL), Sink: sink, Clock: clock}
	result, err := job.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Success: 2}, result)
	assert.Equal(t, []string{"2024-03-02", "2024-03-03"}, svc.queried)
}
