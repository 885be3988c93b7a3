package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/vovakirdan/socialmap-server/internal/health"
)

// fetchHealth reads a health report. A 503 still carries a report body.
func fetchHealth(ctx context.Context, url string) (health.Report, error) {
	var rep health.Report

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rep, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return rep, fmt.Errorf("request health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return rep, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return rep, fmt.Errorf("decode health report: %w", err)
	}
	return rep, nil
}
