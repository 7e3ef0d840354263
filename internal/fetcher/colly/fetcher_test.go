package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

func TestFetchSendsUserAgentAndQuery(t *testing.T) {
	t.Parallel()

	var gotUA string
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "news-agent/1.0", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), news.FetchRequest{
		URL: srv.URL + "/main/list.naver",
		Query: url.Values{
			"mode": {"LS2D"},
			"sid1": {"101"},
			"page": {"2"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "ok")
	require.Equal(t, "news-agent/1.0", gotUA)
	require.Equal(t, "LS2D", gotQuery.Get("mode"))
	require.Equal(t, "101", gotQuery.Get("sid1"))
	require.Equal(t, "2", gotQuery.Get("page"))
}

func TestFetchFollowsRedirectsToFinalURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/article/001/0000000001", http.StatusFound)
	})
	mux.HandleFunc("/article/001/0000000001", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>article</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), news.FetchRequest{URL: srv.URL + "/read"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/article/001/0000000001", resp.URL)
}

func TestFetchAllowsRevisit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), news.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchReturnsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), news.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusNotFound))
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, news.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedirectPolicyStopsAtLimit(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxRedirects: 2})
	require.NoError(t, f.redirectPolicy(nil, make([]*http.Request, 1)))
	require.ErrorIs(t, f.redirectPolicy(nil, make([]*http.Request, 2)), http.ErrUseLastResponse)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	start := time.Unix(0, 0)
	var result news.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &result, &fetchErr)
	if hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/final"),
		},
	})
	if result.StatusCode != http.StatusOK || string(result.Body) != "body" || result.URL != "https://example.com/final" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	if !IsStatus(fetchErr, http.StatusBadGateway) {
		t.Fatalf("expected status error, got %v", fetchErr)
	}
	hooks.onError(nil, errors.New("dial"))
	if fetchErr == nil || fetchErr.Error() != "dial" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestBuildURLMergesQuery(t *testing.T) {
	t.Parallel()

	got, err := buildURL(news.FetchRequest{
		URL:   "https://news.example/main/list.naver?mid=shm",
		Query: url.Values{"date": {"20240101"}},
	})
	require.NoError(t, err)
	require.Equal(t, "https://news.example/main/list.naver?date=20240101&mid=shm", got)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
