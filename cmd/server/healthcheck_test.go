package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		healthy bool
		wantErr bool
	}{
		{name: "healthy", status: 200, body: `{"status":"healthy","capacity":{"current":1,"max":25}}`, healthy: true},
		{name: "unhealthy", status: 503, body: `{"status":"unhealthy","problems":["persistence unreachable"]}`},
		{name: "server error", status: 500, body: `oops`, wantErr: true},
		{name: "garbage", status: 200, body: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			rep, err := fetchHealth(context.Background(), ts.URL)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && rep.Healthy() != tt.healthy {
				t.Fatalf("healthy = %v, want %v", rep.Healthy(), tt.healthy)
			}
		})
	}
}
