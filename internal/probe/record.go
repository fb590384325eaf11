package probe

import (
	"encoding/json"
	"fmt"

	"timetrace/internal/ntptime"
)

// Record is one parsed NTP response from the measurement tool. Versions
// 1 through 4 share the same shape; the v5 fields are pointers so a
// response that does not carry them is distinguishable from one that
// carries zeros.
type Record struct {
	// Version is nil when the response had no version field at all
	// (the NTPv1 wire format predates it).
	Version *int `json:"version"`

	MeasuredIP string  `json:"measured_ip"`
	Offset     float64 `json:"offset"`
	RTT        float64 `json:"rtt"`
	Stratum    int     `json:"stratum"`
	Poll       int     `json:"poll"`
	Precision  float64 `json:"precision"`

	OrigTimestamp  ntptime.PreciseTime `json:"orig_timestamp"`
	RecvTimestamp  ntptime.PreciseTime `json:"recv_timestamp"`
	TxTimestamp    ntptime.PreciseTime `json:"tx_timestamp"`
	ClientRecvTime ntptime.PreciseTime `json:"client_recv_time"`
	RefTimestamp   ntptime.PreciseTime `json:"ref_timestamp"`

	Leap      int     `json:"leap"`
	Mode      int     `json:"mode"`
	RootDelay float64 `json:"root_delay"`
	RootDisp  float64 `json:"root_disp"`
	RefID     uint32  `json:"ref_id"`

	Extensions map[string]any `json:"extensions"`

	// NTPv5 only.
	Era          *int     `json:"era"`
	Timescale    *int     `json:"timescale"`
	FlagsRaw     *uint32  `json:"flags_raw"`
	FlagsDecoded []string `json:"flags_decoded"`
	ClientCookie *uint64  `json:"client_cookie"`
	ServerCookie *uint64  `json:"server_cookie"`
}

// IsV5 reports whether the response itself claims to be NTPv5. This is
// the classification rule for persistence: what the response says wins
// over what was asked.
func (r *Record) IsV5() bool {
	return r.Version != nil && *r.Version == 5
}

// VersionProbe is one slot of a version sweep: either a parsed record
// or the error string the tool reported for that version.
type VersionProbe struct {
	Record *Record
	Err    string
}

// Sweep holds the five slots of a probe_all run, keyed by version 1..5.
type Sweep map[int]VersionProbe

func parseRecord(out []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputInvalid, err)
	}
	return &r, nil
}

func parseSweep(out []byte) (Sweep, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(out, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputInvalid, err)
	}
	if raw, ok := top["error"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return nil, &MeasurementError{Diagnostic: sanitizeLine(msg)}
	}

	sweep := make(Sweep, 5)
	for v := 1; v <= 5; v++ {
		raw, ok := top[fmt.Sprintf("ntpv%d", v)]
		if !ok {
			sweep[v] = VersionProbe{Err: "no result for this version"}
			continue
		}
		var sub struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &sub); err == nil && sub.Error != "" {
			sweep[v] = VersionProbe{Err: sanitizeLine(sub.Error)}
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			sweep[v] = VersionProbe{Err: "could not parse the response"}
			continue
		}
		sweep[v] = VersionProbe{Record: &rec}
	}
	return sweep, nil
}

// NTSRecord is the parsed output of an NTS measurement: the NTS-KE
// handshake outcome plus the authenticated NTP exchange metrics.
type NTSRecord struct {
	Succeeded bool   `json:"nts_succeeded"`
	Analysis  string `json:"nts_analysis"`

	Host               string `json:"host"`
	MeasuredServerIP   string `json:"measured_server_ip"`
	MeasuredServerPort int    `json:"measured_server_port"`

	Offset   float64 `json:"offset"`
	RTT      float64 `json:"rtt"`
	KissCode string  `json:"kiss_code"`
	Stratum  int     `json:"stratum"`
	Poll     int     `json:"poll"`

	ClientSentTime ntptime.PreciseTime `json:"client_sent_time"`
	ServerRecvTime ntptime.PreciseTime `json:"server_recv_time"`
	ServerSentTime ntptime.PreciseTime `json:"server_sent_time"`
	ClientRecvTime ntptime.PreciseTime `json:"client_recv_time"`
	RefTime        ntptime.PreciseTime `json:"ref_time"`

	Leap    int `json:"leap"`
	Mode    int `json:"mode"`
	Version int `json:"version"`

	MinError  float64 `json:"min_error"`
	Precision float64 `json:"precision"`
	RootDelay float64 `json:"root_delay"`
	RootDisp  float64 `json:"root_disp"`
	RootDist  float64 `json:"root_dist"`

	RefID    string `json:"ref_id"`
	RefIDRaw string `json:"ref_id_raw"`

	// Warning is set by callers for per-IP measurements, where the TLS
	// certificate cannot be checked.
	Warning string `json:"warning,omitempty"`
	// OriginalIP is the IP the caller asked for; comparing it against
	// MeasuredServerIP detects a Key-Establishment redirect.
	OriginalIP string `json:"original_ip,omitempty"`
}

func parseNTSRecord(out []byte) (*NTSRecord, error) {
	var r NTSRecord
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputInvalid, err)
	}
	return &r, nil
}
