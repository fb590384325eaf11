package web

import (
	"net"
	"strings"

	"timetrace/internal/orchestrator"
)

// MeasurementRequest is the JSON body accepted by the mutating
// endpoints. Pointers distinguish "absent" from "zero": absent options
// keep their defaults.
type MeasurementRequest struct {
	Server          string `json:"server" validate:"required"`
	IPv6Measurement bool   `json:"ipv6_measurement"`

	MeasurementType          *string   `json:"measurement_type" validate:"omitempty,oneof=ntpv1 ntpv2 ntpv3 ntpv4 ntpv5"`
	VersionsToAnalyze        *[]string `json:"ntp_versions_to_analyze"`
	AnalyzeAllVersions       *bool     `json:"analyse_all_ntp_versions"`
	VersionsAnalysisOnEachIP *bool     `json:"ntp_versions_analysis_on_each_ip"`
	NTSAnalysisOnEachIP      *bool     `json:"nts_analysis_on_each_ip"`

	NTPv5Draft *string `json:"ntpv5_draft"`

	CustomProbesASN     *string `json:"custom_probes_asn"`
	CustomProbesCountry *string `json:"custom_probes_country"`
	CustomClientIP      *string `json:"custom_client_ip" validate:"omitempty,ip"`
}

// settingsFromRequest folds the request options over the defaults and
// validates the result. The wanted IP family of a literal-IP target is
// always the literal's own family.
func settingsFromRequest(req *MeasurementRequest) (orchestrator.Settings, error) {
	s := orchestrator.DefaultSettings()

	s.WantedIPType = 4
	if req.IPv6Measurement {
		s.WantedIPType = 6
	}
	if family := ipFamily(req.Server); family != 0 {
		s.WantedIPType = family
	}

	if req.MeasurementType != nil {
		s.MeasurementType = *req.MeasurementType
	}
	if req.VersionsToAnalyze != nil {
		s.VersionsToAnalyze = *req.VersionsToAnalyze
	}
	if req.AnalyzeAllVersions != nil {
		s.AnalyzeAllVersions = *req.AnalyzeAllVersions
	}
	if req.VersionsAnalysisOnEachIP != nil {
		s.VersionsAnalysisOnEachIP = *req.VersionsAnalysisOnEachIP
	}
	if req.NTSAnalysisOnEachIP != nil {
		s.NTSAnalysisOnEachIP = *req.NTSAnalysisOnEachIP
	}
	if req.NTPv5Draft != nil {
		s.NTPv5Draft = *req.NTPv5Draft
	}
	if req.CustomProbesASN != nil {
		s.CustomProbesASN = *req.CustomProbesASN
	}
	if req.CustomProbesCountry != nil {
		s.CustomProbesCountry = *req.CustomProbesCountry
	}
	if req.CustomClientIP != nil {
		s.CustomClientIP = *req.CustomClientIP
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// sanitizeString strips control characters and surrounding whitespace;
// probe output sometimes carries trailing null bytes.
func sanitizeString(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(cleaned)
}

// ipFamily reports 4 or 6 for an IP literal, 0 for anything else.
func ipFamily(s string) int {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	if ip.To4() != nil {
		return 4
	}
	return 6
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
