package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// statsClient polls a running vmsim's diagnostics endpoint, the way
// the teacher's utils.HTTPClient polled a module's /health endpoint —
// rebuilt against the new /stats surface instead of the inter-module
// /mensaje dispatch.
type statsClient struct {
	baseURL string
	http    *http.Client
}

func newStatsClient(baseURL string) *statsClient {
	return &statsClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}
}

type statsPayload struct {
	FramesResident int `json:"frames_resident"`
	FramesTotal    int `json:"frames_total"`
	SwapFree       uint `json:"swap_free"`
	SwapTotal      uint `json:"swap_total"`
	Processes      []struct {
		PID             int `json:"pid"`
		ResidentPages   int `json:"resident_pages"`
		RegisteredPages int `json:"registered_pages"`
		MmapRegions     int `json:"mmap_regions"`
	} `json:"processes"`
}

func (c *statsClient) fetch() (*statsPayload, error) {
	resp, err := c.http.Get(c.baseURL + "/stats")
	if err != nil {
		return nil, fmt.Errorf("stats: request %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats: unexpected status %d from %s", resp.StatusCode, c.baseURL)
	}
	var payload statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("stats: decode response: %w", err)
	}
	return &payload, nil
}

func printStats(addr string) error {
	client := newStatsClient(addr)
	s, err := client.fetch()
	if err != nil {
		return err
	}
	fmt.Printf("frames: %d/%d resident   swap: %d/%d free\n", s.FramesResident, s.FramesTotal, s.SwapFree, s.SwapTotal)
	for _, p := range s.Processes {
		fmt.Printf("  pid %d: %d/%d pages resident, %d mmap region(s)\n", p.PID, p.ResidentPages, p.RegisteredPages, p.MmapRegions)
	}
	return nil
}
