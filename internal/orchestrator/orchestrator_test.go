package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"timetrace/internal/db"
	"timetrace/internal/probe"
)

func intp(v int) *int       { return &v }
func u64p(v uint64) *uint64 { return &v }

func v4Record(ip string) *probe.Record {
	return &probe.Record{
		Version:    intp(4),
		MeasuredIP: ip,
		Offset:     0.002,
		RTT:        0.014,
		Stratum:    2,
		Poll:       6,
		RefID:      1590075150,
	}
}

func fullSweep(ip string) probe.Sweep {
	return probe.Sweep{
		1: {Record: &probe.Record{MeasuredIP: ip, Stratum: 1}},
		2: {Record: &probe.Record{Version: intp(2), MeasuredIP: ip, Stratum: 2, RefID: 1590075150}},
		3: {Err: "timed out waiting for response"},
		4: {Record: v4Record(ip)},
		5: {Record: &probe.Record{Version: intp(5), MeasuredIP: ip, Era: intp(0), Timescale: intp(0), ClientCookie: u64p(9)}},
	}
}

func ntsOK(ip string) *probe.NTSRecord {
	return &probe.NTSRecord{
		Succeeded:        true,
		Analysis:         "NTS measurement succeeded on this IP",
		MeasuredServerIP: ip,
		Stratum:          2,
		Version:          4,
	}
}

type testEnv struct {
	o      *Orchestrator
	store  *db.DB
	runner *fakeRunner
	ripe   *fakeRipe
	clock  *recordClock
}

func newEnv(t *testing.T, runner *fakeRunner, resolver *fakeResolver) *testEnv {
	t.Helper()
	store, err := db.New("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rp := &fakeRipe{id: 1079646}
	o := New(store, runner, rp, resolver, fakeGeo{}, 16)
	clock := newRecordClock()
	o.Clock = clock
	o.VantagePointIP = "3.4.5.6"
	return &testEnv{o: o, store: store, runner: runner, ripe: rp, clock: clock}
}

// drain runs every queued job synchronously.
func (e *testEnv) drain() {
	for {
		select {
		case j := <-e.o.jobs:
			e.o.run(j)
		default:
			return
		}
	}
}

func validSettings(t *testing.T, s Settings) Settings {
	t.Helper()
	if err := s.Validate(); err != nil {
		t.Fatalf("settings: %v", err)
	}
	return s
}

func TestIPPipelineFinished(t *testing.T) {
	runner := &fakeRunner{
		ntpRecord: v4Record("94.198.159.10"),
		sweep:     fullSweep("94.198.159.10"),
		ntsIP:     ntsOK("94.198.159.10"),
	}
	e := newEnv(t, runner, &fakeResolver{})

	prefix, id, err := e.o.StartMeasurement(context.Background(), "94.198.159.10", validSettings(t, DefaultSettings()))
	if err != nil {
		t.Fatalf("StartMeasurement: %v", err)
	}
	if prefix != "ip" {
		t.Fatalf("expected ip prefix, got %s", prefix)
	}
	e.drain()

	m, err := e.store.GetMeasurement(db.KindIP, id)
	if err != nil {
		t.Fatalf("GetMeasurement: %v", err)
	}
	if m.Status != db.StatusFinished {
		t.Fatalf("expected finished, got %s (err=%s)", m.Status, m.ResponseError.String)
	}
	if !m.MainMeasurementID.Valid || m.ResponseVersion.String != "ntpv4" {
		t.Errorf("main measurement not classified: %+v %s", m.MainMeasurementID, m.ResponseVersion.String)
	}
	if !m.NTSID.Valid {
		t.Error("standalone ip should have an NTS record")
	}
	if !m.VersionsID.Valid {
		t.Error("default settings sweep all versions")
	}
	if !m.RipeID.Valid || m.RipeID.Int64 != 1079646 {
		t.Error("standalone ip should schedule RIPE itself")
	}
	if len(m.Settings) == 0 || !strings.Contains(string(m.Settings), "ntpv4") {
		t.Error("effective settings not persisted")
	}

	view, err := e.store.FullIPView(id, false)
	if err != nil {
		t.Fatalf("FullIPView: %v", err)
	}
	if view.NTS == nil || view.NTS.Data.Warning == "" {
		t.Error("per-ip NTS must carry the certificate warning")
	}
	if view.NTPVersions == nil {
		t.Fatal("versions view missing")
	}
	if view.NTPVersions.V3Data != nil || view.NTPVersions.V3SupportedConf != "0" {
		t.Error("failed v3 slot should score 0 with no record")
	}
	if view.NTPVersions.V5Data == nil || view.NTPVersions.V5SupportedConf != "100" {
		t.Error("v5 slot should score 100 with a record")
	}
	// NTPv1 wire format has no version field: scored, never persisted
	if view.NTPVersions.V1SupportedConf != "100" || view.NTPVersions.V1Data != nil {
		t.Error("v1 slot should score 100 without a record")
	}
}

func TestIPPipelineToolMissing(t *testing.T) {
	runner := &fakeRunner{
		ntpErr:   probe.ErrUnavailable,
		sweepErr: probe.ErrUnavailable,
		ntsIPErr: probe.ErrUnavailable,
	}
	e := newEnv(t, runner, &fakeResolver{})

	_, id, err := e.o.StartMeasurement(context.Background(), "1.2.3.4", validSettings(t, DefaultSettings()))
	if err != nil {
		t.Fatalf("StartMeasurement: %v", err)
	}
	e.drain()

	m, _ := e.store.GetMeasurement(db.KindIP, id)
	if m.Status != db.StatusFinished {
		t.Fatalf("tool absence must not fail the measurement: %s", m.Status)
	}
	if m.ResponseError.String != "Measurement could not be performed (binary tool not available)." {
		t.Errorf("response error: %q", m.ResponseError.String)
	}
	if m.MainMeasurementID.Valid || m.NTSID.Valid || m.VersionsID.Valid {
		t.Error("all sub-parts should stay null")
	}
}

func TestDNPipeline(t *testing.T) {
	runner := &fakeRunner{
		ntpRecord: v4Record("10.0.0.1"),
		sweep:     fullSweep("10.0.0.1"),
		nts: &probe.NTSRecord{
			Succeeded:        true,
			Analysis:         "It is NTS. One NTS IP is 10.0.0.1",
			MeasuredServerIP: "10.0.0.1",
		},
		ntsIP: ntsOK("10.0.0.1"),
	}
	e := newEnv(t, runner, &fakeResolver{ips: []string{"10.0.0.1", "10.0.0.2"}})

	settings := DefaultSettings()
	settings.AnalyzeAllVersions = true
	prefix, id, err := e.o.StartMeasurement(context.Background(), "example.org", validSettings(t, settings))
	if err != nil {
		t.Fatalf("StartMeasurement: %v", err)
	}
	if prefix != "dn" {
		t.Fatalf("expected dn prefix, got %s", prefix)
	}
	e.drain()

	m, _ := e.store.GetMeasurement(db.KindDN, id)
	if m.Status != db.StatusFinished {
		t.Fatalf("expected finished, got %s (%s)", m.Status, m.ResponseError.String)
	}

	// one RIPE schedule per root, not per child
	if e.ripe.scheduleCount() != 1 {
		t.Errorf("expected 1 ripe schedule, got %d", e.ripe.scheduleCount())
	}
	if !m.RipeID.Valid {
		t.Error("root should carry the ripe id")
	}
	if !m.NTSID.Valid || !m.VersionsID.Valid {
		t.Error("root should carry NTS and versions")
	}

	children, _ := e.store.Children(id)
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	for _, child := range children {
		cm, _ := e.store.GetMeasurement(db.KindIP, child)
		if cm.Status != db.StatusFinished {
			t.Errorf("child ip%d not finished: %s", child, cm.Status)
		}
		if cm.RipeID.Valid {
			t.Error("children must not schedule their own RIPE measurement")
		}
		if cm.NTSID.Valid || cm.VersionsID.Valid {
			t.Error("per-ip NTS/versions default to off for DN children")
		}
		if !cm.MainMeasurementID.Valid {
			t.Error("child should have its main measurement")
		}
	}

	// the pacing between children must be at least 1.2s
	paced := 0
	for _, d := range e.clock.recorded() {
		if d >= 1200*time.Millisecond {
			paced++
		}
	}
	if paced < 2 {
		t.Errorf("expected >=2 paced sleeps of 1.2s, saw %v", e.clock.recorded())
	}
}

func TestDNPerIPOptions(t *testing.T) {
	runner := &fakeRunner{
		ntpRecord: v4Record("10.0.0.1"),
		sweep:     fullSweep("10.0.0.1"),
		nts:       ntsOK("10.0.0.1"),
		ntsIP:     ntsOK("10.0.0.1"),
	}
	e := newEnv(t, runner, &fakeResolver{ips: []string{"10.0.0.1"}})

	settings := DefaultSettings()
	settings.NTSAnalysisOnEachIP = true
	settings.VersionsAnalysisOnEachIP = true
	_, id, err := e.o.StartMeasurement(context.Background(), "example.org", validSettings(t, settings))
	if err != nil {
		t.Fatalf("StartMeasurement: %v", err)
	}
	e.drain()

	children, _ := e.store.Children(id)
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	cm, _ := e.store.GetMeasurement(db.KindIP, children[0])
	if !cm.NTSID.Valid || !cm.VersionsID.Valid {
		t.Error("per-ip options should add NTS and versions to the child")
	}
	if e.runner.callCount("nts-ip:10.0.0.1") != 1 {
		t.Errorf("expected one per-ip NTS probe, calls: %v", e.runner.calls)
	}
}

func TestDNResolveFailure(t *testing.T) {
	e := newEnv(t, &fakeRunner{}, &fakeResolver{err: context.DeadlineExceeded})

	_, id, err := e.o.StartMeasurement(context.Background(), "not.a.real.name", validSettings(t, DefaultSettings()))
	if err == nil {
		t.Fatal("expected resolution error")
	}
	m, gerr := e.store.GetMeasurement(db.KindDN, id)
	if gerr != nil {
		t.Fatalf("record should exist: %v", gerr)
	}
	if m.Status != db.StatusFailed {
		t.Errorf("expected failed, got %s", m.Status)
	}
	if !strings.Contains(m.ResponseError.String, "cannot be resolved") {
		t.Errorf("response error: %q", m.ResponseError.String)
	}
}

// A defect inside the pipeline rolls up into the failure sentinel.
func TestSurprisingErrorFailsMeasurement(t *testing.T) {
	// ProbeNTP returning (nil, nil) makes the main stage dereference a
	// nil record, which the worker recovers from.
	e := newEnv(t, &fakeRunner{}, &fakeResolver{})

	_, id, err := e.o.StartMeasurement(context.Background(), "5.6.7.8", validSettings(t, DefaultSettings()))
	if err != nil {
		t.Fatalf("StartMeasurement: %v", err)
	}
	e.drain()

	m, _ := e.store.GetMeasurement(db.KindIP, id)
	if m.Status != db.StatusFailed {
		t.Fatalf("expected failed, got %s", m.Status)
	}
	if !strings.Contains(m.ResponseError.String, "(surprising) error when completing the measurement") {
		t.Errorf("response error: %q", m.ResponseError.String)
	}
}

func TestResponseVersionWinsOverRequested(t *testing.T) {
	// asked for ntpv5, answered with v4 framing: stored in the v4 class
	runner := &fakeRunner{ntpRecord: v4Record("9.9.9.9")}
	e := newEnv(t, runner, &fakeResolver{})

	settings := DefaultSettings()
	settings.MeasurementType = "ntpv5"
	settings.AnalyzeAllVersions = false
	_, id, err := e.o.StartMeasurement(context.Background(), "9.9.9.9", validSettings(t, settings))
	if err != nil {
		t.Fatalf("StartMeasurement: %v", err)
	}
	e.drain()

	m, _ := e.store.GetMeasurement(db.KindIP, id)
	if m.ResponseVersion.String != "ntpv4" {
		t.Errorf("expected ntpv4 classification, got %s", m.ResponseVersion.String)
	}
	view, _ := e.store.FullIPView(id, false)
	if view.MainMeasurement == nil || view.MainMeasurement.NtpData == nil || view.MainMeasurement.V5Data != nil {
		t.Error("v4-framed response must land in the v4 class")
	}
}

func TestConcurrentTriggersGetDistinctIDs(t *testing.T) {
	runner := &fakeRunner{ntpRecord: v4Record("8.8.8.8"), sweep: fullSweep("8.8.8.8"), ntsIP: ntsOK("8.8.8.8")}
	e := newEnv(t, runner, &fakeResolver{})

	_, id1, err1 := e.o.StartMeasurement(context.Background(), "8.8.8.8", validSettings(t, DefaultSettings()))
	_, id2, err2 := e.o.StartMeasurement(context.Background(), "8.8.8.8", validSettings(t, DefaultSettings()))
	if err1 != nil || err2 != nil {
		t.Fatalf("StartMeasurement: %v %v", err1, err2)
	}
	if id1 == id2 {
		t.Fatalf("identical triggers must get distinct ids, both %d", id1)
	}
	e.drain()

	for _, id := range []int64{id1, id2} {
		m, _ := e.store.GetMeasurement(db.KindIP, id)
		if m.Status != db.StatusFinished {
			t.Errorf("ip%d not finished: %s", id, m.Status)
		}
	}
}

func TestSettingsValidation(t *testing.T) {
	s := DefaultSettings()
	s.WantedIPType = 5
	if err := s.Validate(); err == nil {
		t.Error("wanted_ip_type 5 must be rejected")
	}

	s = DefaultSettings()
	s.MeasurementType = "nts"
	if err := s.Validate(); err == nil {
		t.Error("unknown measurement_type must be rejected")
	}

	s = DefaultSettings()
	s.AnalyzeAllVersions = false
	s.VersionsToAnalyze = []string{"ntpv2", "ntpv2", "ntpv9"}
	if err := s.Validate(); err == nil {
		t.Error("unknown sweep version must be rejected")
	}

	s = DefaultSettings()
	s.AnalyzeAllVersions = false
	s.VersionsToAnalyze = []string{"ntpv2", "ntpv2", "ntpv4"}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
	if len(s.VersionsToAnalyze) != 2 {
		t.Errorf("duplicates not removed: %v", s.VersionsToAnalyze)
	}

	s = DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if len(s.VersionsToAnalyze) != 5 {
		t.Errorf("analyse-all should expand to all five versions: %v", s.VersionsToAnalyze)
	}

	s = DefaultSettings()
	s.CustomClientIP = "not-an-ip"
	if err := s.Validate(); err == nil {
		t.Error("bad custom_client_ip must be rejected")
	}
}
