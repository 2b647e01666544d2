package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetcherRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPFetcher(HTTPFetcherConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

func TestFetchSinceParsesMessagesAndScores(t *testing.T) {
	var gotPath, gotAuth, gotAfter, gotAnalysesSince string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAfter = r.URL.Query().Get("after")
		gotAnalysesSince = r.URL.Query().Get("analyses_since")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"messages": [
				{"id":"m1","room_id":"12345678","sender_id":"u1","display_name":"Ada","slot":"player1","content":"hello","created_at_ms":1700000000000},
				{"id":"m2","room_id":"12345678","sender_id":"u2","display_name":"Ben","slot":"player2","content":"you never listen","created_at_ms":1700000001000,
				 "analysis":{"verdict":"violation","sender_state":"a","receiver_impact":"b","evidence":"c","suggestion":"d","risk":"medium"}}
			],
			"scores": {"player1_score":3,"player2_score":1,"created_by_id":"u1"},
			"server_time_s": 1700000002
		}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL, Token: "session-token"})
	if err != nil {
		t.Fatalf("fetcher construction failed: %v", err)
	}

	batch, err := fetcher.FetchSince(context.Background(), "12345678", "m0", 1700000000)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if gotPath != "/rooms/12345678/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer session-token" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotAfter != "m0" {
		t.Fatalf("expected cursor forwarded, got %q", gotAfter)
	}
	if gotAnalysesSince != "1700000000" {
		t.Fatalf("expected analyses threshold forwarded, got %q", gotAnalysesSince)
	}
	if len(batch.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(batch.Messages))
	}
	if batch.Messages[0].Analysis != nil {
		t.Fatalf("expected first message without analysis")
	}
	if batch.Messages[1].Analysis == nil || batch.Messages[1].Analysis.Verdict != "violation" {
		t.Fatalf("expected analysis on second message, got %+v", batch.Messages[1].Analysis)
	}
	if batch.Scores == nil || batch.Scores.Player1 != 3 || batch.Scores.CreatedByID != "u1" {
		t.Fatalf("unexpected scores %+v", batch.Scores)
	}
	if batch.ServerTimeS != 1700000002 {
		t.Fatalf("unexpected server time %d", batch.ServerTimeS)
	}
}

func TestFetchSinceClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthExpired},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
		{http.StatusGatewayTimeout, ErrTransient},
	}
	for _, tc := range cases {
		status := tc.status
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL})
		if err != nil {
			t.Fatalf("fetcher construction failed: %v", err)
		}
		_, err = fetcher.FetchSince(context.Background(), "12345678", "", 0)
		server.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", status, tc.want, err)
		}
	}
}

func TestFetchSinceUnexpectedStatusIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("fetcher construction failed: %v", err)
	}
	_, err = fetcher.FetchSince(context.Background(), "12345678", "", 0)
	if err == nil {
		t.Fatalf("expected error for unexpected status")
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected unclassified error, got %v", err)
	}
}

func TestFetchSinceNetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("fetcher construction failed: %v", err)
	}
	_, err = fetcher.FetchSince(context.Background(), "12345678", "", 0)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient classification for refused connection, got %v", err)
	}
}

func TestFetchSinceCanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("fetcher construction failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fetcher.FetchSince(ctx, "12345678", "", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled passthrough, got %v", err)
	}
}

func TestProbeRoom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD probe, got %s", r.Method)
		}
		if r.URL.Path == "/rooms/12345678" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("fetcher construction failed: %v", err)
	}
	if err := fetcher.ProbeRoom(context.Background(), "12345678"); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if err := fetcher.ProbeRoom(context.Background(), "99999999"); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected 401 probe to surface auth expiry, got %v", err)
	}
}
