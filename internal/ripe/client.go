// Package ripe schedules NTP measurements on the RIPE Atlas platform
// and decodes probe results back into internal records.
package ripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"timetrace/internal/geo"
)

// Status of a polled measurement.
type Status string

const (
	// StatusComplete: every requested probe answered, or Atlas stopped
	// the measurement.
	StatusComplete Status = "Complete"
	// StatusOngoing: some probes answered inside the poll window.
	StatusOngoing Status = "Ongoing"
	// StatusPending: no results yet.
	StatusPending Status = "Pending"
)

// Error is a scheduling or fetch failure reported by the Atlas API.
type Error struct {
	Op     string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ripe %s failed: %s", e.Op, e.Detail)
}

// ScheduleOptions carries the vantage-point locality hint and the
// optional user constraints on probe selection.
type ScheduleOptions struct {
	ClientIP string
	IPFamily int
	// ASN and Country, when set, override locality-based selection.
	ASN     string
	Country string
	// ResolveOnProbe makes every probe resolve a domain-name target itself.
	ResolveOnProbe bool
}

// Client is what the orchestrator and the gateway talk to.
type Client interface {
	// Schedule creates one NTP measurement and returns its Atlas id.
	Schedule(ctx context.Context, target string, opts ScheduleOptions) (int64, error)
	// Fetch returns the probe results decoded so far and the poll state.
	Fetch(ctx context.Context, measurementID int64) ([]ProbeResult, Status, error)
}

// HTTPClient talks to the public Atlas API.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	ProbeCount int
	HTTP       *http.Client
	Geo        geo.Resolver

	mu         sync.Mutex
	probeCache map[int64]*probeInfo
}

func NewHTTPClient(baseURL, apiKey string, probeCount int, httpc *http.Client, g geo.Resolver) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		ProbeCount: probeCount,
		HTTP:       httpc,
		Geo:        g,
		probeCache: make(map[int64]*probeInfo),
	}
}

type measurementDefinition struct {
	Target         string `json:"target"`
	Type           string `json:"type"`
	AF             int    `json:"af"`
	Description    string `json:"description"`
	Packets        int    `json:"packets"`
	ResolveOnProbe bool   `json:"resolve_on_probe"`
}

type probeSelector struct {
	Requested int    `json:"requested"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

// probeSelection prefers the user's explicit ASN constraint, then the
// explicit country, then the area around the client IP's location.
func (c *HTTPClient) probeSelection(opts ScheduleOptions) probeSelector {
	sel := probeSelector{Requested: c.ProbeCount}
	switch {
	case opts.ASN != "":
		sel.Type, sel.Value = "asn", opts.ASN
	case opts.Country != "":
		sel.Type, sel.Value = "country", opts.Country
	default:
		sel.Type, sel.Value = "area", c.areaForClient(opts.ClientIP)
	}
	return sel
}

func (c *HTTPClient) areaForClient(clientIP string) string {
	if c.Geo == nil || clientIP == "" {
		return "WW"
	}
	switch c.Geo.ContinentForIP(clientIP) {
	case "EU":
		return "North-Central"
	case "NA", "SA":
		return "West"
	case "AF":
		return "South-Central"
	case "AS", "OC":
		return "South-East"
	default:
		return "WW"
	}
}

func (c *HTTPClient) Schedule(ctx context.Context, target string, opts ScheduleOptions) (int64, error) {
	body := struct {
		Definitions []measurementDefinition `json:"definitions"`
		Probes      []probeSelector         `json:"probes"`
		IsOneoff    bool                    `json:"is_oneoff"`
	}{
		Definitions: []measurementDefinition{{
			Target:         target,
			Type:           "ntp",
			AF:             opts.IPFamily,
			Description:    fmt.Sprintf("NTP measurement for %s", target),
			Packets:        3,
			ResolveOnProbe: opts.ResolveOnProbe,
		}},
		Probes:   []probeSelector{c.probeSelection(opts)},
		IsOneoff: true,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/measurements/", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, &Error{Op: "schedule", Detail: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &Error{Op: "schedule", Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, raw)}
	}

	var created struct {
		Measurements []int64 `json:"measurements"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || len(created.Measurements) == 0 {
		return 0, &Error{Op: "schedule", Detail: "no measurement id in response"}
	}
	return created.Measurements[0], nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.APIKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Op: "fetch", Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &Error{Op: "fetch", Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, raw)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) Fetch(ctx context.Context, measurementID int64) ([]ProbeResult, Status, error) {
	var meta struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		ProbesRequested  int   `json:"probes_requested"`
		StartTime        int64 `json:"start_time"`
		ParticipantCount int   `json:"participant_count"`
	}
	if err := c.get(ctx, fmt.Sprintf("/measurements/%d/", measurementID), &meta); err != nil {
		return nil, StatusPending, err
	}

	var raws []rawResult
	if err := c.get(ctx, fmt.Sprintf("/measurements/%d/results/", measurementID), &raws); err != nil {
		return nil, StatusPending, err
	}

	results := make([]ProbeResult, 0, len(raws))
	for _, raw := range raws {
		results = append(results, c.decodeResult(ctx, measurementID, meta.StartTime, raw))
	}

	requested := meta.ProbesRequested
	if requested == 0 {
		requested = meta.ParticipantCount
	}
	switch {
	case meta.Status.Name == "Stopped" || (requested > 0 && len(results) >= requested):
		return results, StatusComplete, nil
	case len(results) > 0:
		return results, StatusOngoing, nil
	default:
		return results, StatusPending, nil
	}
}
