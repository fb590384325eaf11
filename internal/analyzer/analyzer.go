// Package analyzer scores how faithfully an NTP response matches the
// protocol version it was queried with. The score is a supported-
// confidence value between "0" (not supported) and "100" (certainly
// supported), with "75 or 100" for versions whose wire format cannot be
// told apart from their successor.
package analyzer

import (
	"fmt"
	"net"

	"timetrace/internal/probe"
)

// Result of analyzing one version slot.
type Result struct {
	// Confidence is one of "0", "25", "50", "75", "75 or 100", "100".
	Confidence string
	Analysis   string
	// RefName is the translated reference ID (parent IP, kiss code or
	// hash text), when translation succeeded.
	RefName string
}

// Analyze scores the probe outcome for the given NTP version (1..5).
func Analyze(version int, p probe.VersionProbe) Result {
	if p.Err != "" {
		return Result{Confidence: "0", Analysis: p.Err}
	}
	if p.Record == nil {
		return Result{Confidence: "0", Analysis: "Received something, but could not parse the response."}
	}
	switch version {
	case 1:
		return analyzeV1(p.Record)
	case 2, 3, 4:
		return analyzeClassic(version, p.Record)
	case 5:
		return analyzeV5(p.Record)
	default:
		return Result{Confidence: "0", Analysis: fmt.Sprintf("unknown NTP version %d", version)}
	}
}

// NTPv1 has no version field in its wire format, so a response that
// parsed without one is as good a signal as we can get.
func analyzeV1(rec *probe.Record) Result {
	if rec.Version != nil {
		return Result{
			Confidence: "25",
			Analysis:   fmt.Sprintf("The received result is not NTPv1. The version is: %d", *rec.Version),
		}
	}
	return Result{Confidence: "100", Analysis: "It supports NTPv1."}
}

func analyzeClassic(version int, rec *probe.Record) Result {
	if rec.Version == nil || *rec.Version != version {
		return Result{
			Confidence: "50",
			Analysis:   fmt.Sprintf("Received an NTP response, but with a different NTP version: version %s", versionString(rec.Version)),
		}
	}

	res := Result{Analysis: fmt.Sprintf("It supports NTPv%d.", version)}
	switch version {
	case 2:
		res.Confidence = "100"
	default:
		// v3 and v4 responses are indistinguishable on the wire.
		res.Confidence = "75 or 100"
	}

	ip, name := RefIDToIPOrName(rec.RefID, rec.Stratum, familyOf(rec.MeasuredIP))
	switch {
	case ip != "":
		res.RefName = ip
	case name != "":
		res.RefName = name
	default:
		res.Analysis += " Could not translate ref id."
		if version == 3 {
			res.Confidence = "75"
		}
	}
	return res
}

func analyzeV5(rec *probe.Record) Result {
	if rec.Version == nil || *rec.Version != 5 {
		return Result{
			Confidence: "50",
			Analysis:   fmt.Sprintf("Received an NTP response, but with a different NTP version: version %s", versionString(rec.Version)),
		}
	}
	if rec.Era == nil || rec.Timescale == nil || rec.ClientCookie == nil {
		return Result{Confidence: "25", Analysis: "Received something, but could not inspect the NTPv5 fields."}
	}
	switch {
	case *rec.Era > 1:
		return Result{Confidence: "75", Analysis: fmt.Sprintf("The response claims NTPv5, but its era is invalid: %d", *rec.Era)}
	case *rec.Timescale > 4:
		return Result{Confidence: "75", Analysis: fmt.Sprintf("The response claims NTPv5, but its timescale is invalid: %d", *rec.Timescale)}
	case *rec.ClientCookie == 0:
		return Result{Confidence: "75", Analysis: "The response claims NTPv5, but the client cookie is zero."}
	}
	return Result{Confidence: "100", Analysis: "It supports NTPv5."}
}

func versionString(v *int) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *v)
}

func familyOf(ip string) int {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.To4() == nil {
		return 6
	}
	return 4
}
