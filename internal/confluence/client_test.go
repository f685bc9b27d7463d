package confluence

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/contentguardian/internal/testutil"
)

// fakeSite records requests and answers through a handler chosen per test.
type fakeSite struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	f.handler(w, r)
}

func (f *fakeSite) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeSite, *testutil.MockClock) {
	t.Helper()
	site := &fakeSite{handler: handler}
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)

	clk := testutil.NewMockClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewClient(Config{
		BaseURL:        srv.URL + "/",
		Email:          "bot@example.com",
		APIToken:       "secret",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Clock:          clk,
		Breaker:        BreakerConfig{FailureThreshold: 100},
	})
	return c, site, clk
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNextCursor(t *testing.T) {
	tests := []struct {
		name string
		next string
		want *string
	}{
		{"empty", "", nil},
		{"no cursor param", "/wiki/api/v2/pages?limit=50", nil},
		{"plain", "/wiki/api/v2/pages?cursor=abc&limit=50", testutil.Cursor("abc")},
		{"last param", "/wiki/api/v2/pages?limit=50&cursor=xyz", testutil.Cursor("xyz")},
		{"url encoded", "/wiki/api/v2/pages?cursor=eyJpZCI6MX0%3D&limit=50", testutil.Cursor("eyJpZCI6MX0=")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextCursor(tt.next))
		})
	}
}

func TestFetchPageBatch_ParsesPagesAndCursor(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, 200, map[string]interface{}{
			"results": []map[string]interface{}{
				{
					"id": "101", "title": "Runbook", "spaceId": "S1",
					"createdAt": "2024-01-01T10:00:00Z",
					"version":   map[string]interface{}{"createdAt": "2024-03-05T10:00:00Z"},
				},
				{"id": "102"},
			},
			"_links": map[string]interface{}{"next": "/wiki/api/v2/pages?cursor=c%2B2&limit=50"},
		})
	})

	batch, err := c.FetchPageBatch(context.Background(), nil, 50)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)

	p := batch.Items[0]
	assert.Equal(t, "101", p.ID)
	assert.Equal(t, "Runbook", p.Title)
	assert.Equal(t, "S1", p.SpaceID)
	require.NotNil(t, p.CreatedAt)
	require.NotNil(t, p.UpdatedAt)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), p.CreatedAt.UTC())
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), p.UpdatedAt.UTC())

	assert.Nil(t, batch.Items[1].CreatedAt)
	assert.Nil(t, batch.Items[1].UpdatedAt)

	require.NotNil(t, batch.NextCursor)
	assert.Equal(t, "c+2", *batch.NextCursor)
	assert.Equal(t, []string{"GET /wiki/api/v2/pages?limit=50"}, site.Requests())
}

func TestFetchPageBatch_SendsCursor(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	})

	batch, err := c.FetchPageBatch(context.Background(), testutil.Cursor("a/b=="), 50)
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
	assert.Nil(t, batch.NextCursor)
	assert.Equal(t, []string{"GET /wiki/api/v2/pages?cursor=a%2Fb%3D%3D&limit=50"}, site.Requests())
}

func TestFetchPageBatch_FallsBackToSecondBaseAndRemembersIt(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/wiki/api/v2/pages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	})

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	_, err = c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET /wiki/api/v2/pages?limit=10",
		"GET /api/v2/pages?limit=10",
		"GET /api/v2/pages?limit=10",
	}, site.Requests())
}

func TestBasePreferenceIsPerClient(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/wiki/api/v2/pages" {
			w.WriteHeader(http.StatusGone)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	}
	first, _, _ := newTestClient(t, handler)
	_, err := first.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)

	second, site, _ := newTestClient(t, handler)
	_, err = second.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, "GET /wiki/api/v2/pages?limit=10", site.Requests()[0], "a fresh client starts at the first base")
}

func TestBasePreferenceSeparatePerVersion(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wiki/api/v2/pages":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v2/pages":
			writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	require.NoError(t, c.AddLabels(context.Background(), "7", "x"))

	reqs := site.Requests()
	assert.Equal(t, "POST /wiki/rest/api/content/7/label", reqs[len(reqs)-1])
}

func TestFetchPageBatch_HonorsRetryAfter(t *testing.T) {
	calls := 0
	c, _, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	})

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{3 * time.Second}, clk.Sleeps())
}

func TestFetchPageBatch_ExponentialBackoffThenGivesUp(t *testing.T) {
	calls := 0
	c, _, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable), "got %v", err)
	assert.Equal(t, 6, calls, "one attempt plus five retries")
	assert.Equal(t, []time.Duration{
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
		9600 * time.Millisecond,
		19200 * time.Millisecond,
	}, clk.Sleeps())
}

func TestFetchPageBatch_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	c, _, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad cursor"}`))
	})

	_, err := c.FetchPageBatch(context.Background(), testutil.Cursor("junk"), 10)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.StatusCode)
	assert.Contains(t, se.Body, "bad cursor")
	assert.Equal(t, 1, calls)
	assert.Empty(t, clk.Sleeps())
}

func TestFetchPageBatch_ContextCancelledDuringBackoff(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchPageBatch(ctx, nil, 10)
	require.Error(t, err)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	site := &fakeSite{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Clock:          testutil.NewMockClock(),
		Breaker:        BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour},
	})

	for i := 0; i < 3; i++ {
		_, err := c.FetchPageBatch(context.Background(), nil, 10)
		require.True(t, IsStatus(err, http.StatusBadGateway), "call %d: %v", i+1, err)
	}
	assert.Len(t, site.Requests(), 18, "each call spends its full retry budget")
	assert.Equal(t, BreakerOpen, c.BreakerState())

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, site.Requests(), 18, "open breaker must not reach the network")
}

func TestFetchPageBatch_DefaultBreakerKeepsAllRetries(t *testing.T) {
	site := &fakeSite{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Clock:          testutil.NewMockClock(),
	})

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.True(t, IsStatus(err, http.StatusServiceUnavailable), "got %v", err)
	assert.Len(t, site.Requests(), 6, "one attempt plus five retries")
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestLookupFailuresDoNotOpenBreaker(t *testing.T) {
	site := &fakeSite{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("parentId") != "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Clock:          testutil.NewMockClock(),
	})

	for i := 0; i < 10; i++ {
		_, err := c.HasChildren(context.Background(), "p")
		require.Error(t, err)
	}
	assert.Equal(t, BreakerClosed, c.BreakerState())

	batch, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
}

func TestBreakerFollowsClientClock(t *testing.T) {
	failing := true
	site := &fakeSite{handler: func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	clk := testutil.NewMockClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewClient(Config{
		BaseURL:        srv.URL,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Clock:          clk,
		Breaker:        BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour, SuccessThreshold: 1},
	})

	_, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.Error(t, err)
	_, err = c.FetchPageBatch(context.Background(), nil, 10)
	require.ErrorIs(t, err, ErrCircuitOpen)

	failing = false
	clk.Advance(time.Hour)

	_, err = c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestFetchPageBatch_MalformedTimestampsTreatedAsMissing(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{
			"results": []map[string]interface{}{
				{
					"id": "1", "title": "Valid",
					"createdAt": "2024-01-01T10:00:00Z",
					"version":   map[string]interface{}{"createdAt": "2024-02-01T10:00:00Z"},
				},
				{"id": "2", "createdAt": "yesterday", "version": map[string]interface{}{"createdAt": ""}},
			},
		})
	})

	batch, err := c.FetchPageBatch(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)

	require.NotNil(t, batch.Items[0].UpdatedAt)
	assert.Equal(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), batch.Items[0].UpdatedAt.UTC())

	assert.Equal(t, "2", batch.Items[1].ID)
	assert.Nil(t, batch.Items[1].CreatedAt)
	assert.Nil(t, batch.Items[1].UpdatedAt)
}

func TestHasChildren(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("parentId") == "parent" {
			writeJSON(w, 200, map[string]interface{}{"results": []map[string]string{{"id": "child"}}})
			return
		}
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	})

	has, err := c.HasChildren(context.Background(), "parent")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = c.HasChildren(context.Background(), "leaf")
	require.NoError(t, err)
	assert.False(t, has)

	assert.Equal(t, "GET /wiki/api/v2/pages?parentId=parent&limit=1", site.Requests()[0])
}

func TestHasChildren_ErrorStatus(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.HasChildren(context.Background(), "p")
	assert.True(t, IsStatus(err, http.StatusForbidden))
}

func TestResolveSpaceKey_Cached(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]string{"id": "S1", "key": "ENG"})
	})

	for i := 0; i < 3; i++ {
		key, err := c.ResolveSpaceKey(context.Background(), "S1")
		require.NoError(t, err)
		assert.Equal(t, "ENG", key)
	}
	assert.Equal(t, []string{"GET /wiki/api/v2/spaces/S1"}, site.Requests())
}

func TestResolveSpaceKey_RetriesWithShorterPolicy(t *testing.T) {
	c, site, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.ResolveSpaceKey(context.Background(), "S9")
	require.Error(t, err)
	assert.Len(t, site.Requests(), 4)
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond, 3200 * time.Millisecond}, clk.Sleeps())

	_, err = c.ResolveSpaceKey(context.Background(), "")
	assert.Error(t, err)
}

func TestResolveSpaceKey_MissingKeyIsError(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]string{"id": "S1"})
	})
	_, err := c.ResolveSpaceKey(context.Background(), "S1")
	assert.Error(t, err)
}

func TestArchivePage(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.ArchivePage(context.Background(), "55"))
	assert.Equal(t, []string{"POST /wiki/api/v2/pages/55/archive"}, site.Requests())
}

func TestArchivePage_Failure(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	err := c.ArchivePage(context.Background(), "55")
	assert.True(t, IsStatus(err, http.StatusConflict))
}

func TestAddLabels_Payload(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.AddLabels(context.Background(), "9", "content-guardian-archived"))

	assert.Equal(t, []string{"POST /wiki/rest/api/content/9/label"}, site.Requests())
	assert.JSONEq(t, `[{"prefix":"global","name":"content-guardian-archived"}]`, site.bodies[0])
}

func TestSetContentProperty_CreatesOnNotFound(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	value := map[string]string{"action": "archive", "reason": "stale"}
	require.NoError(t, c.SetContentProperty(context.Background(), "9", "content-guardian", value))

	assert.Equal(t, []string{
		"PUT /wiki/rest/api/content/9/property/content-guardian",
		"POST /wiki/rest/api/content/9/property",
	}, site.Requests())
	assert.JSONEq(t, `{"value":{"action":"archive","reason":"stale"}}`, site.bodies[0])
	assert.JSONEq(t, `{"key":"content-guardian","value":{"action":"archive","reason":"stale"}}`, site.bodies[1])
}

func TestSetContentProperty_UpdateExisting(t *testing.T) {
	c, site, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.SetContentProperty(context.Background(), "9", "k", 1))
	assert.Len(t, site.Requests(), 1)
}

func TestPing(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{"results": []interface{}{}})
	})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestStatusError_Message(t *testing.T) {
	assert.Equal(t, "confluence returned 502", (&StatusError{StatusCode: 502}).Error())
	assert.Equal(t, "confluence returned 400: nope", (&StatusError{StatusCode: 400, Body: "nope"}).Error())
}
