package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner is the interface the orchestrator talks to. It hides the
// external NTP/NTS measurement binary so tests can substitute a fake.
type Runner interface {
	// ProbeNTP queries target once with the given version subcommand
	// (ntpv1..ntpv5). draft is the NTPv5 draft identifier, empty for
	// the tool default.
	ProbeNTP(ctx context.Context, target, version, draft string) (*Record, error)
	// ProbeAllVersions runs the version sweep, one slot per version 1..5.
	ProbeAllVersions(ctx context.Context, target, draft string) (Sweep, error)
	// ProbeNTS performs NTS-KE plus an authenticated query against a
	// domain name, verifying the TLS certificate. ipFamily is 4 or 6.
	ProbeNTS(ctx context.Context, target string, ipFamily int) (*NTSRecord, error)
	// ProbeNTSOnIP is like ProbeNTS for an IP literal; certificate name
	// validation is skipped and the record keeps the original IP so the
	// caller can detect a Key-Establishment redirect.
	ProbeNTSOnIP(ctx context.Context, targetIP string) (*NTSRecord, error)
}

// ToolRunner invokes the measurement tool binary.
type ToolRunner struct {
	// Path to the binary.
	Path string
}

var versionSubcommands = map[string]bool{
	"ntpv1": true, "ntpv2": true, "ntpv3": true, "ntpv4": true, "ntpv5": true,
}

func (t *ToolRunner) ProbeNTP(ctx context.Context, target, version, draft string) (*Record, error) {
	if !versionSubcommands[version] {
		return nil, fmt.Errorf("unknown ntp version subcommand: %s", version)
	}
	args := []string{version, target}
	if draft != "" {
		args = append(args, draft)
	}
	out, err := t.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseRecord(out)
}

func (t *ToolRunner) ProbeAllVersions(ctx context.Context, target, draft string) (Sweep, error) {
	args := []string{"all", target}
	if draft != "" {
		args = append(args, draft)
	}
	out, err := t.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseSweep(out)
}

// ntsFamilyOK is the tool's exit code for "NTS works, but only on the
// other IP family than the one requested".
const ntsFamilyOK = 6

func (t *ToolRunner) ProbeNTS(ctx context.Context, target string, ipFamily int) (*NTSRecord, error) {
	out, code, err := t.runCode(ctx, []string{"nts", target, fmt.Sprintf("ipv%d", ipFamily)})
	if err != nil {
		return nil, err
	}
	if code != 0 && code != ntsFamilyOK {
		// A clean failure: the tool's single-line diagnostic is the analysis.
		return &NTSRecord{Succeeded: false, Analysis: firstLine(out)}, nil
	}
	rec, perr := parseNTSRecord(out)
	if perr != nil {
		return nil, perr
	}
	rec.Succeeded = true
	if code == ntsFamilyOK {
		rec.Analysis = fmt.Sprintf("It is NTS. Failed on ipv%d. One working NTS IP is %s", ipFamily, rec.MeasuredServerIP)
	} else {
		rec.Analysis = fmt.Sprintf("It is NTS. One NTS IP is %s", rec.MeasuredServerIP)
	}
	return rec, nil
}

func (t *ToolRunner) ProbeNTSOnIP(ctx context.Context, targetIP string) (*NTSRecord, error) {
	out, code, err := t.runCode(ctx, []string{"nts-ip", targetIP})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return &NTSRecord{Succeeded: false, Analysis: firstLine(out), OriginalIP: targetIP}, nil
	}
	rec, perr := parseNTSRecord(out)
	if perr != nil {
		return nil, perr
	}
	rec.Succeeded = true
	rec.OriginalIP = targetIP
	if rec.MeasuredServerIP != "" && rec.MeasuredServerIP != targetIP {
		rec.Analysis = fmt.Sprintf("Measurement succeeded, but Key Exchange forced it to be performed on %s", rec.MeasuredServerIP)
	} else {
		rec.Analysis = "NTS measurement succeeded on this IP"
	}
	return rec, nil
}

// run executes the tool and treats any non-zero exit as a measurement
// failure carrying the tool's diagnostic.
func (t *ToolRunner) run(ctx context.Context, args []string) ([]byte, error) {
	out, code, err := t.runCode(ctx, args)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &MeasurementError{Diagnostic: firstLine(out)}
	}
	return out, nil
}

// runCode executes the tool and returns stdout plus the exit code. A
// tool that could not be started at all maps to ErrUnavailable.
func (t *ToolRunner) runCode(ctx context.Context, args []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, t.Path, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, &MeasurementError{Diagnostic: "probe timed out"}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return stdout.Bytes(), 0, nil
}

// firstLine returns the first line of the tool output, stripped of
// control characters.
func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return sanitizeLine(s)
}

// sanitizeLine removes control characters from a diagnostic before it
// is surfaced or persisted.
func sanitizeLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
