package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{" 2 ", 2 * time.Second},
		{"-1", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.expected {
			t.Errorf("parseRetryAfter(%q) = %v, expected %v", tt.value, got, tt.expected)
		}
	}

	httpDate := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(httpDate)
	if got < 20*time.Second || got > 30*time.Second {
		t.Errorf("Expected roughly 30s from HTTP date, got %v", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("Expected 0 for past HTTP date, got %v", got)
	}
}

func TestClientMapsStatusCodes(t *testing.T) {
	tests := []struct {
		status       int
		retryAfter   string
		expectedKind resilience.ErrorKind
	}{
		{http.StatusTooManyRequests, "3", resilience.KindRateLimit},
		{http.StatusInternalServerError, "", resilience.KindAPI},
		{http.StatusServiceUnavailable, "5", resilience.KindAPI},
		{http.StatusNotFound, "", resilience.KindPermanent},
		{http.StatusForbidden, "", resilience.KindPermanent},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}
			w.WriteHeader(tt.status)
			w.Write([]byte("upstream unhappy"))
		}))

		client := newHTTPClient("stub", Options{}, nil)
		_, err := client.get(context.Background(), server.URL, url.Values{})
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var ce *resilience.ClassifiedError
		if !errors.As(err, &ce) {
			t.Fatalf("status %d: expected classified error, got %T", tt.status, err)
		}
		if ce.Kind != tt.expectedKind {
			t.Errorf("status %d: expected kind %s, got %s", tt.status, tt.expectedKind, ce.Kind)
		}
		if ce.StatusCode != tt.status {
			t.Errorf("status %d: expected status recorded, got %d", tt.status, ce.StatusCode)
		}
	}
}

func TestClientCarriesRetryAfterHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newHTTPClient("stub", Options{}, nil)
	_, err := client.get(context.Background(), server.URL, url.Values{})
	var ce *resilience.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected classified error, got %v", err)
	}
	if ce.RetryAfter != 2*time.Second {
		t.Errorf("Expected Retry-After 2s, got %v", ce.RetryAfter)
	}
}

func TestClientNetworkErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	client := newHTTPClient("stub", Options{}, nil)
	_, err := client.get(context.Background(), addr, url.Values{})
	if err == nil {
		t.Fatal("Expected error against closed server")
	}
	if !resilience.IsKind(err, resilience.KindNetwork) {
		t.Errorf("Expected NETWORK error, got %v", err)
	}
}

func TestClientSendsHeaders(t *testing.T) {
	var gotUA, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	header := http.Header{}
	header.Set("User-Agent", "papertrawl-test")
	header.Set("x-api-key", "secret")
	client := newHTTPClient("stub", Options{}, header)
	if _, err := client.get(context.Background(), server.URL, url.Values{}); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if gotUA != "papertrawl-test" {
		t.Errorf("Expected custom User-Agent, got %q", gotUA)
	}
	if gotKey != "secret" {
		t.Errorf("Expected api key header, got %q", gotKey)
	}
}
