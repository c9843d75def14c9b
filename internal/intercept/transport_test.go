package intercept

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"mempool-proxy-go/internal/metrics"
	"mempool-proxy-go/internal/rewrite"
)

const testOrigin = "http://127.0.0.1:8000"

// recorder captures every request handed to the base transport.
type recorder struct {
	calls []*http.Request
	resp  *http.Response
	err   error
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	r.calls = append(r.calls, req)
	if r.err != nil {
		return nil, r.err
	}
	if r.resp != nil {
		return r.resp, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func newTestTransport(t *testing.T, base http.RoundTripper, opts ...Option) *Transport {
	t.Helper()
	tr, err := NewTransport(base, rewrite.NewRule(rewrite.MempoolPatterns()...), testOrigin, opts...)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	return tr
}

func TestTransport_RoundTrip_Rewrites(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantURL  string
		wantPath string
	}{
		{
			name:     "address",
			in:       "https://mempool.space/api/address/abc",
			wantURL:  "http://127.0.0.1:8000/mempool/api/address/abc",
			wantPath: "/mempool/api/address/abc",
		},
		{
			name:     "holdings with query",
			in:       "https://mempool.holdings/api/tx/xyz?format=json",
			wantURL:  "http://127.0.0.1:8000/mempool/api/tx/xyz?format=json",
			wantPath: "/mempool/api/tx/xyz",
		},
		{
			name:     "mixed case host",
			in:       "HTTPS://Mempool.Space/api/x",
			wantURL:  "http://127.0.0.1:8000/mempool/api/x",
			wantPath: "/mempool/api/x",
		},
		{
			name:     "escaped path kept",
			in:       "https://mempool.space/api/a%2Fb?q=%41",
			wantURL:  "http://127.0.0.1:8000/mempool/api/a%2Fb?q=%41",
			wantPath: "/mempool/api/a/b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			tr := newTestTransport(t, rec)

			req, err := http.NewRequest(http.MethodGet, tt.in, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Accept", "application/json")
			callerHost := req.URL.Host

			resp, err := tr.RoundTrip(req)
			if err != nil {
				t.Fatalf("RoundTrip() error = %v", err)
			}
			_ = resp.Body.Close()

			if len(rec.calls) != 1 {
				t.Fatalf("base called %d times, want 1", len(rec.calls))
			}
			got := rec.calls[0]
			if got == req {
				t.Error("rewritten request must be a clone, not the caller's request")
			}
			if got.URL.String() != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL.String(), tt.wantURL)
			}
			if got.URL.Path != tt.wantPath {
				t.Errorf("URL.Path = %q, want %q", got.URL.Path, tt.wantPath)
			}
			if got.Host != "" {
				t.Errorf("Host = %q, want empty so it follows the URL", got.Host)
			}
			if got.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header lost: %q", got.Header.Get("Accept"))
			}
			if req.URL.Host != callerHost {
				t.Errorf("caller's request was modified: host = %q", req.URL.Host)
			}
		})
	}
}

func TestTransport_RoundTrip_PassThrough(t *testing.T) {
	inputs := []string{
		"https://example.com/not-matched",
		"http://127.0.0.1:8000/mempool/api/address/abc",
		"https://api.mempool.space/x",
		"https://example.com/redirect?to=https://mempool.space/api",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			rec := &recorder{}
			tr := newTestTransport(t, rec)

			req, err := http.NewRequest(http.MethodGet, in, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			before := req.URL

			if _, err := tr.RoundTrip(req); err != nil {
				t.Fatalf("RoundTrip() error = %v", err)
			}

			if len(rec.calls) != 1 {
				t.Fatalf("base called %d times, want 1", len(rec.calls))
			}
			if rec.calls[0] != req {
				t.Error("non-matching request must reach base as the same value")
			}
			if rec.calls[0].URL != before {
				t.Error("non-matching request URL must not be replaced")
			}
			if got := rec.calls[0].URL.String(); got != in {
				t.Errorf("URL = %q, want %q", got, in)
			}
		})
	}
}

func TestTransport_RoundTrip_ErrorUnchanged(t *testing.T) {
	sentinel := errors.New("connection refused")

	for _, in := range []string{"https://mempool.space/api/x", "https://example.com/x"} {
		t.Run(in, func(t *testing.T) {
			tr := newTestTransport(t, &recorder{err: sentinel})
			req, _ := http.NewRequest(http.MethodGet, in, http.NoBody)

			resp, err := tr.RoundTrip(req)
			if resp != nil {
				t.Errorf("resp = %v, want nil", resp)
			}
			if err != sentinel { //nolint:errorlint // identity is the point
				t.Errorf("err = %v, want the base error value itself", err)
			}
		})
	}
}

func TestTransport_RoundTrip_ResponseUnchanged(t *testing.T) {
	want := &http.Response{StatusCode: http.StatusServiceUnavailable, Body: http.NoBody}
	tr := newTestTransport(t, &recorder{resp: want})
	req, _ := http.NewRequest(http.MethodGet, "https://mempool.space/api/x", http.NoBody)

	got, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if got != want {
		t.Error("response must be returned as-is")
	}
}

func TestTransport_RoundTrip_BodyForwarded(t *testing.T) {
	var gotBody string
	base := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(req.Body)
		gotBody = string(b)
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	tr := newTestTransport(t, base)

	req, _ := http.NewRequest(http.MethodPost, "https://mempool.space/api/tx", strings.NewReader("0200deadbeef"))
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if gotBody != "0200deadbeef" {
		t.Errorf("body = %q, want %q", gotBody, "0200deadbeef")
	}
}

func TestTransport_EndToEnd(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.RequestURI()))
	}))
	defer local.Close()

	tr, err := NewTransport(nil, rewrite.NewRule(rewrite.MempoolPatterns()...), local.URL)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	client := NewClient(nil, tr)

	resp, err := client.Get("https://mempool.space/api/address/abc?x=1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/mempool/api/address/abc?x=1" {
		t.Errorf("local server saw %q, want %q", string(body), "/mempool/api/address/abc?x=1")
	}
}

func TestTransport_LogsAndCountsRewrites(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := metrics.New("/metrics", "/mempool")

	tr := newTestTransport(t, &recorder{}, WithLogger(logger), WithMetrics(m))

	for _, in := range []string{"https://mempool.space/a", "https://example.com/b", "https://mempool.holdings/c"} {
		req, _ := http.NewRequest(http.MethodGet, in, http.NoBody)
		if _, err := tr.RoundTrip(req); err != nil {
			t.Fatal(err)
		}
	}

	if n := strings.Count(buf.String(), "rewrote request"); n != 2 {
		t.Errorf("logged %d rewrites, want 2", n)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var got float64
	for _, f := range families {
		if f.GetName() == "mempool_proxy_client_rewrites_total" {
			for _, metric := range f.GetMetric() {
				got += metric.GetCounter().GetValue()
			}
		}
	}
	if got != 2 {
		t.Errorf("rewrites counter = %v, want 2", got)
	}
}

func TestTransport_ChainedShimsDelegateOnce(t *testing.T) {
	var calls atomic.Int32
	base := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	inner := newTestTransport(t, base)
	outer := newTestTransport(t, inner)

	req, _ := http.NewRequest(http.MethodGet, "https://mempool.space/api/x", http.NoBody)
	if _, err := outer.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("base called %d times, want 1", calls.Load())
	}
}

func TestNewTransport_InvalidOrigin(t *testing.T) {
	rule := rewrite.NewRule(rewrite.MempoolPatterns()...)
	for _, origin := range []string{"", "/mempool", "ftp://host", "http://", "http://host/base", "http://host?x=1"} {
		t.Run(origin, func(t *testing.T) {
			if _, err := NewTransport(nil, rule, origin); err == nil {
				t.Errorf("NewTransport(%q) expected error", origin)
			}
		})
	}
}

func TestNewTransport_NilBaseCapturesDefault(t *testing.T) {
	tr, err := NewTransport(nil, rewrite.NewRule(), "http://127.0.0.1:1/")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Base() != http.DefaultTransport {
		t.Error("nil base should capture http.DefaultTransport")
	}
	if tr.Origin() != "http://127.0.0.1:1" {
		t.Errorf("Origin() = %q", tr.Origin())
	}
}

func TestNewClient_CopiesBase(t *testing.T) {
	tr := newTestTransport(t, &recorder{})
	base := &http.Client{Timeout: 42}
	c := NewClient(base, tr)

	if c == base {
		t.Fatal("NewClient must not mutate the base client")
	}
	if base.Transport != nil {
		t.Error("base client transport changed")
	}
	if c.Timeout != 42 {
		t.Errorf("Timeout = %v, want 42", c.Timeout)
	}
	if c.Transport != tr {
		t.Error("client transport is not the intercepting transport")
	}
}
