package orchestrator

import (
	"fmt"
	"net"
)

// InputError marks a request whose settings are inconsistent; the
// gateway maps it to a 4xx.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

var knownMeasurementTypes = map[string]bool{
	"ntpv1": true, "ntpv2": true, "ntpv3": true, "ntpv4": true, "ntpv5": true,
}

// Settings is the effective configuration of one composite measurement.
// It is persisted verbatim on the finished record so clients can see
// what was actually run.
type Settings struct {
	WantedIPType             int      `json:"wanted_ip_type"`
	MeasurementType          string   `json:"measurement_type"`
	VersionsToAnalyze        []string `json:"ntp_versions_to_analyze"`
	AnalyzeAllVersions       bool     `json:"analyse_all_ntp_versions"`
	VersionsAnalysisOnEachIP bool     `json:"ntp_versions_analysis_on_each_ip"`
	NTSAnalysisOnEachIP      bool     `json:"nts_analysis_on_each_ip"`
	NTPv5Draft               string   `json:"ntpv5_draft"`
	CustomProbesASN          string   `json:"custom_probes_asn"`
	CustomProbesCountry      string   `json:"custom_probes_country"`
	CustomClientIP           string   `json:"custom_client_ip"`
}

// DefaultSettings measures NTPv4 over IPv4 and sweeps all versions.
func DefaultSettings() Settings {
	return Settings{
		WantedIPType:       4,
		MeasurementType:    "ntpv4",
		AnalyzeAllVersions: true,
	}
}

// Validate checks consistency and normalizes the versions list. The
// all-versions override replaces any explicit subset.
func (s *Settings) Validate() error {
	if s.WantedIPType != 4 && s.WantedIPType != 6 {
		return &InputError{Msg: "wanted_ip_type must be 4 or 6"}
	}
	if !knownMeasurementTypes[s.MeasurementType] {
		return &InputError{Msg: "measurement_type must be ntpv1 or ntpv2 or ntpv3 or ntpv4 or ntpv5"}
	}
	seen := map[string]bool{}
	var versions []string
	for _, v := range s.VersionsToAnalyze {
		if !knownMeasurementTypes[v] {
			return &InputError{Msg: fmt.Sprintf("the version %s must be either ntpv1 or ntpv2 or ntpv3 or ntpv4 or ntpv5", v)}
		}
		if !seen[v] {
			seen[v] = true
			versions = append(versions, v)
		}
	}
	s.VersionsToAnalyze = versions
	if s.AnalyzeAllVersions {
		s.VersionsToAnalyze = []string{"ntpv1", "ntpv2", "ntpv3", "ntpv4", "ntpv5"}
	}
	if s.CustomClientIP != "" && net.ParseIP(s.CustomClientIP) == nil {
		return &InputError{Msg: "custom_client_ip must be either null/empty or a valid IP address"}
	}
	return nil
}

// WantsVersionSweep reports whether any version analysis was requested.
func (s *Settings) WantsVersionSweep() bool {
	return s.AnalyzeAllVersions || len(s.VersionsToAnalyze) > 0
}

// versionNumbers maps the requested version names to their slot numbers.
func (s *Settings) versionNumbers() []int {
	var out []int
	for _, v := range s.VersionsToAnalyze {
		switch v {
		case "ntpv1":
			out = append(out, 1)
		case "ntpv2":
			out = append(out, 2)
		case "ntpv3":
			out = append(out, 3)
		case "ntpv4":
			out = append(out, 4)
		case "ntpv5":
			out = append(out, 5)
		}
	}
	return out
}
