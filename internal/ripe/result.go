package ripe

import (
	"context"
	"fmt"

	"github.com/caio/go-tdigest/v4"

	"timetrace/internal/ntptime"
	"timetrace/internal/probe"
)

// ProbeResult is one vantage point's answer, decoded into the same
// record shape the local probe tool produces.
type ProbeResult struct {
	ProbeID      int64   `json:"probe_id"`
	AddrV4       string  `json:"probe_addr_v4"`
	AddrV6       string  `json:"probe_addr_v6"`
	CountryCode  string  `json:"probe_country_code"`
	Latitude     float64 `json:"probe_latitude"`
	Longitude    float64 `json:"probe_longitude"`
	TimeToResult float64 `json:"time_to_result"`

	MeasurementID int64        `json:"ripe_measurement_id"`
	Record        probe.Record `json:"record"`
}

// rawResult is the wire shape of one Atlas NTP result.
type rawResult struct {
	PrbID           int64       `json:"prb_id"`
	From            string      `json:"from"`
	DstAddr         string      `json:"dst_addr"`
	Version         int         `json:"version"`
	Mode            string      `json:"mode"`
	LI              int         `json:"li"`
	Stratum         int         `json:"stratum"`
	Poll            int         `json:"poll"`
	Precision       float64     `json:"precision"`
	RootDelay       float64     `json:"root-delay"`
	RootDispersion  float64     `json:"root-dispersion"`
	RefID           string      `json:"ref-id"`
	RefTime         string      `json:"ref-ts"`
	Timestamp       int64       `json:"timestamp"`
	StoredTimestamp int64       `json:"stored_timestamp"`
	Result          []rawSample `json:"result"`
}

// rawSample is one packet exchange; Atlas reports up to `packets` per
// probe and marks timeouts with an "x" field.
type rawSample struct {
	OriginTS   float64 `json:"origin-ts"`
	ReceiveTS  float64 `json:"receive-ts"`
	TransmitTS float64 `json:"transmit-ts"`
	FinalTS    float64 `json:"final-ts"`
	RTT        float64 `json:"rtt"`
	Offset     float64 `json:"offset"`
	Timeout    string  `json:"x"`
}

type probeInfo struct {
	ID          int64  `json:"id"`
	AddressV4   string `json:"address_v4"`
	AddressV6   string `json:"address_v6"`
	CountryCode string `json:"country_code"`
	Geometry    struct {
		// GeoJSON order: longitude first.
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

func (c *HTTPClient) lookupProbe(ctx context.Context, id int64) *probeInfo {
	c.mu.Lock()
	if info, ok := c.probeCache[id]; ok {
		c.mu.Unlock()
		return info
	}
	c.mu.Unlock()

	var info probeInfo
	if err := c.get(ctx, fmt.Sprintf("/probes/%d/", id), &info); err != nil {
		return nil
	}
	c.mu.Lock()
	c.probeCache[id] = &info
	c.mu.Unlock()
	return &info
}

func (c *HTTPClient) decodeResult(ctx context.Context, measurementID, startTime int64, raw rawResult) ProbeResult {
	pr := ProbeResult{
		ProbeID:       raw.PrbID,
		MeasurementID: measurementID,
	}
	if info := c.lookupProbe(ctx, raw.PrbID); info != nil {
		pr.AddrV4 = info.AddressV4
		pr.AddrV6 = info.AddressV6
		pr.CountryCode = info.CountryCode
		if len(info.Geometry.Coordinates) == 2 {
			pr.Longitude = info.Geometry.Coordinates[0]
			pr.Latitude = info.Geometry.Coordinates[1]
		}
	}
	if raw.StoredTimestamp > 0 && startTime > 0 {
		pr.TimeToResult = float64(raw.StoredTimestamp - startTime)
	}

	version := raw.Version
	pr.Record = probe.Record{
		Version:    &version,
		MeasuredIP: raw.DstAddr,
		Stratum:    raw.Stratum,
		Poll:       raw.Poll,
		Precision:  raw.Precision,
		RootDelay:  raw.RootDelay,
		RootDisp:   raw.RootDispersion,
		Leap:       raw.LI,
	}

	// Pick the first answered sample for the timing block.
	for _, s := range raw.Result {
		if s.Timeout != "" || s.FinalTS == 0 {
			continue
		}
		pr.Record.OrigTimestamp = ntptime.FromUnixFloat(s.OriginTS)
		pr.Record.RecvTimestamp = ntptime.FromUnixFloat(s.ReceiveTS)
		pr.Record.TxTimestamp = ntptime.FromUnixFloat(s.TransmitTS)
		pr.Record.ClientRecvTime = ntptime.FromUnixFloat(s.FinalTS)
		pr.Record.Offset = s.Offset
		pr.Record.RTT = s.RTT
		if s.Offset == 0 && s.RTT == 0 {
			pr.Record.Offset = ntptime.OffsetFromUnixSeconds(s.OriginTS, s.ReceiveTS, s.TransmitTS, s.FinalTS)
			pr.Record.RTT = ntptime.RTTFromUnixSeconds(s.OriginTS, s.ReceiveTS, s.TransmitTS, s.FinalTS)
		}
		break
	}
	return pr
}

// Summary condenses the offsets observed across probes.
type Summary struct {
	ProbeCount   int     `json:"probe_count"`
	MedianOffset float64 `json:"median_offset"`
	P90Offset    float64 `json:"p90_offset"`
}

// Summarize builds an offset distribution summary over the answered
// probes of a fetch.
func Summarize(results []ProbeResult) *Summary {
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		return nil
	}
	n := 0
	for _, r := range results {
		if r.Record.ClientRecvTime.IsZero() {
			continue
		}
		if err := td.Add(r.Record.Offset); err == nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return &Summary{
		ProbeCount:   n,
		MedianOffset: td.Quantile(0.5),
		P90Offset:    td.Quantile(0.9),
	}
}
