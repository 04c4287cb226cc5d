package pypi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

const topBody = `{"last_update": "2026-10-01 00:00:00", "rows": [
	{"project": "boto3", "download_count": 1500000000},
	{"project": "urllib3", "download_count": 900000000},
	{"download_count": {"project": "requests", "download_count": 800000000}},
	{"project": "", "download_count": 5},
	{"project": "certifi", "download_count": 700000000}
]}`

func topServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/top.json" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTopPackages(t *testing.T) {
	srv := topServer(t, http.StatusOK, topBody)
	tests := []struct {
		name string
		n    int
		want []RankedPackage
	}{
		{"first two", 2, []RankedPackage{{"boto3", 1500000000}, {"urllib3", 900000000}}},
		{"nested row shape", 3, []RankedPackage{{"boto3", 1500000000}, {"urllib3", 900000000}, {"requests", 800000000}}},
		{"all skips nameless rows", 0, []RankedPackage{
			{"boto3", 1500000000}, {"urllib3", 900000000}, {"requests", 800000000}, {"certifi", 700000000},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(srv.URL, WithTopPackagesURL(srv.URL+"/top.json"))
			got, err := c.TopPackages(context.Background(), tt.n)
			if err != nil {
				t.Fatalf("TopPackages: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TopPackages(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestTopPackagesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, "down"},
		{"bad json", http.StatusOK, "{rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := topServer(t, tt.status, tt.body)
			c := New(srv.URL, WithTopPackagesURL(srv.URL+"/top.json"))
			if _, err := c.TopPackages(context.Background(), 10); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestTopPackagesRateLimited(t *testing.T) {
	srv := topServer(t, http.StatusOK, topBody)
	c := New(srv.URL, WithTopPackagesURL(srv.URL+"/top.json"), WithRateLimit(0.001, 1))
	ctx := context.Background()
	if _, err := c.TopPackages(ctx, 1); err != nil {
		t.Fatalf("first request: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := c.TopPackages(cancelled, 1); err == nil {
		t.Error("expected the limiter to refuse a cancelled request")
	}
}
