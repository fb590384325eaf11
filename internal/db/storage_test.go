package db

import (
	"fmt"
	"testing"
	"time"

	"timetrace/internal/ntptime"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	// Shared cache so the pool's extra connections see the same database.
	d, err := New("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Failed to create db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleV4(host, ip string) *NtpV4Record {
	return &NtpV4Record{NtpRecord: NtpRecord{
		Host:       host,
		MeasuredIP: ip,
		ClientSent: ntptime.PreciseTime{Seconds: 3923448812, Fraction: 100},
		ServerRecv: ntptime.PreciseTime{Seconds: 3923448812, Fraction: 200},
		ServerSent: ntptime.PreciseTime{Seconds: 3923448812, Fraction: 300},
		ClientRecv: ntptime.PreciseTime{Seconds: 3923448812, Fraction: 400},
		Offset:     0.002,
		RTT:        0.015,
		Stratum:    2,
		Poll:       6,
		Version:    4,
		RefName:    "94.198.159.14",
		Extensions: map[string]any{"mac": "none"},
	}}
}

func TestCreateAndStatus(t *testing.T) {
	d := newTestDB(t)

	id, err := d.CreateDN("time.example.org", time.Now())
	if err != nil {
		t.Fatalf("CreateDN: %v", err)
	}

	m, err := d.GetMeasurement(KindDN, id)
	if err != nil {
		t.Fatalf("GetMeasurement: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("expected pending, got %s", m.Status)
	}

	if err := d.SetStatus(KindDN, id, StatusRunningRipe); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	m, _ = d.GetMeasurement(KindDN, id)
	if m.Status != StatusRunningRipe {
		t.Errorf("expected running-ripe, got %s", m.Status)
	}
}

// finished and failed are absorbing: no later write may change them.
func TestTerminalStatusesAbsorb(t *testing.T) {
	d := newTestDB(t)

	id, _ := d.CreateIP("1.2.3.4", time.Now())
	d.SetStatus(KindIP, id, StatusFinished)
	d.SetStatus(KindIP, id, StatusRunningNTS)
	m, _ := d.GetMeasurement(KindIP, id)
	if m.Status != StatusFinished {
		t.Errorf("finished was overwritten: %s", m.Status)
	}

	id2, _ := d.CreateIP("1.2.3.5", time.Now())
	d.MarkFailed(KindIP, id2, "boom")
	d.SetStatus(KindIP, id2, StatusRunningVersions)
	d.MarkFailed(KindIP, id2, "second boom")
	m2, _ := d.GetMeasurement(KindIP, id2)
	if m2.Status != StatusFailed {
		t.Errorf("failed was overwritten: %s", m2.Status)
	}
	if m2.ResponseError.String != "boom" {
		t.Errorf("failure reason was overwritten: %s", m2.ResponseError.String)
	}
}

func TestGetMeasurementNotFound(t *testing.T) {
	d := newTestDB(t)
	if _, err := d.GetMeasurement(KindIP, 424242); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMainMeasurementV4(t *testing.T) {
	d := newTestDB(t)

	ipID, _ := d.CreateIP("94.198.159.10", time.Now())
	recID, err := d.AddMainMeasurement(ipID, sampleV4("94.198.159.10", "94.198.159.10"), nil,
		&ServerInfo{ASN: "1140", CountryCode: "NL", VantagePointIP: "3.4.5.6"}, "ntpv4")
	if err != nil {
		t.Fatalf("AddMainMeasurement: %v", err)
	}

	m, _ := d.GetMeasurement(KindIP, ipID)
	if !m.MainMeasurementID.Valid || m.MainMeasurementID.Int64 != recID {
		t.Errorf("main measurement id not linked: %+v", m.MainMeasurementID)
	}
	if m.ResponseVersion.String != "ntpv4" {
		t.Errorf("response version: %s", m.ResponseVersion.String)
	}

	view, err := d.FullIPView(ipID, false)
	if err != nil {
		t.Fatalf("FullIPView: %v", err)
	}
	if view.MainMeasurement == nil || view.MainMeasurement.NtpData == nil {
		t.Fatal("main measurement missing from view")
	}
	if view.MainMeasurement.V5Data != nil {
		t.Error("v4 record must not surface as v5 data")
	}
	if view.MainMeasurement.NtpData.ServerInfo == nil ||
		view.MainMeasurement.NtpData.ServerInfo.ASN != "1140" {
		t.Error("server info missing from view")
	}
	if view.MainMeasurement.NtpData.Extensions["mac"] != "none" {
		t.Error("extensions did not round-trip")
	}
}

func TestMainMeasurementV5Classification(t *testing.T) {
	d := newTestDB(t)

	ipID, _ := d.CreateIP("5.6.7.8", time.Now())
	v5 := &NtpV5Record{
		NtpRecord:    sampleV4("5.6.7.8", "5.6.7.8").NtpRecord,
		DraftName:    "draft-ietf-ntp-ntpv5-05",
		Era:          0,
		Timescale:    0,
		FlagsRaw:     1,
		FlagsDecoded: []string{"unknown-leap"},
		ClientCookie: "12345",
		Analysis:     "It supports NTPv5.",
	}
	v5.Version = 5
	if _, err := d.AddMainMeasurement(ipID, nil, v5, &ServerInfo{}, "ntpv5"); err != nil {
		t.Fatalf("AddMainMeasurement v5: %v", err)
	}

	view, err := d.FullIPView(ipID, false)
	if err != nil {
		t.Fatalf("FullIPView: %v", err)
	}
	if view.MainMeasurement == nil || view.MainMeasurement.V5Data == nil {
		t.Fatal("v5 record missing from view")
	}
	if view.MainMeasurement.NtpData != nil {
		t.Error("v5 record must not surface as v4 data")
	}
	if view.MainMeasurement.DraftName != "draft-ietf-ntp-ntpv5-05" {
		t.Errorf("draft name: %s", view.MainMeasurement.DraftName)
	}
	if view.MainMeasurement.V5Data.Era == nil || *view.MainMeasurement.V5Data.Era != 0 {
		t.Error("era missing from v5 view")
	}
}

func TestNTSStage(t *testing.T) {
	d := newTestDB(t)

	dnID, _ := d.CreateDN("time.example.org", time.Now())
	ntsID, err := d.AddNTS(KindDN, dnID, &NTSRecord{
		Succeeded:  true,
		Analysis:   "It is NTS. One NTS IP is 162.159.200.123",
		Host:       "time.example.org",
		MeasuredIP: "162.159.200.123",
		Stratum:    3,
	})
	if err != nil {
		t.Fatalf("AddNTS: %v", err)
	}

	m, _ := d.GetMeasurement(KindDN, dnID)
	if !m.NTSID.Valid || m.NTSID.Int64 != ntsID {
		t.Error("nts id not linked")
	}

	view, _ := d.FullDNView(dnID)
	if view.NTS == nil || !view.NTS.Succeeded {
		t.Fatal("nts view missing")
	}
	if view.NTS.Data.MeasuredServerIP != "162.159.200.123" {
		t.Errorf("nts measured ip: %s", view.NTS.Data.MeasuredServerIP)
	}
}

func buildSweepSummary() *VersionsSummary {
	vs := &VersionsSummary{}
	vs.Slots[0] = VersionsSlot{Confidence: "100", Analysis: "It supports NTPv1.",
		ResponseVersion: "ntpv1", RecordV4: sampleV4("h", "1.1.1.1")}
	vs.Slots[1] = VersionsSlot{Confidence: "0", Analysis: "timed out"}
	vs.Slots[3] = VersionsSlot{Confidence: "75 or 100", Analysis: "It supports NTPv4.",
		ResponseVersion: "ntpv4", RecordV4: sampleV4("h", "1.1.1.1")}
	v5rec := &NtpV5Record{NtpRecord: sampleV4("h", "1.1.1.1").NtpRecord, Era: 0, ClientCookie: "7"}
	v5rec.Version = 5
	vs.Slots[4] = VersionsSlot{Confidence: "100", Analysis: "It supports NTPv5.",
		ResponseVersion: "ntpv5", RecordV5: v5rec}
	return vs
}

func TestVersionsStage(t *testing.T) {
	d := newTestDB(t)

	ipID, _ := d.CreateIP("1.1.1.1", time.Now())
	vsID, err := d.AddVersions(KindIP, ipID, buildSweepSummary())
	if err != nil {
		t.Fatalf("AddVersions: %v", err)
	}

	view, err := d.VersionsView(vsID)
	if err != nil {
		t.Fatalf("VersionsView: %v", err)
	}
	if view.V1Data == nil || view.V1Data.NtpData == nil {
		t.Error("v1 slot record missing")
	}
	if view.V2Data != nil {
		t.Error("failed v2 slot should have no record")
	}
	if view.V2SupportedConf != "0" {
		t.Errorf("v2 conf: %s", view.V2SupportedConf)
	}
	if view.V5Data == nil || view.V5Data.V5Data == nil {
		t.Error("v5 slot record missing")
	}

	// the summary is linked from its parent measurement
	m, _ := d.GetMeasurement(KindIP, ipID)
	if !m.VersionsID.Valid || m.VersionsID.Int64 != vsID {
		t.Error("versions id not linked to parent")
	}
}

func TestDNChildrenAndViews(t *testing.T) {
	d := newTestDB(t)

	dnID, _ := d.CreateDN("pool.example.org", time.Now())
	var childIDs []int64
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		ipID, _ := d.CreateIP(ip, time.Now())
		if err := d.LinkDNIP(dnID, ipID); err != nil {
			t.Fatalf("LinkDNIP: %v", err)
		}
		childIDs = append(childIDs, ipID)
	}
	d.SetSettings(KindIP, childIDs[0], []byte(`{"measurement_type":"ntpv4"}`))
	d.SetRipeID(KindDN, dnID, 98765)

	children, err := d.Children(dnID)
	if err != nil || len(children) != 2 {
		t.Fatalf("Children: %v %v", children, err)
	}
	if children[0] != childIDs[0] || children[1] != childIDs[1] {
		t.Error("children out of insertion order")
	}

	full, err := d.FullDNView(dnID)
	if err != nil {
		t.Fatalf("FullDNView: %v", err)
	}
	if len(full.IPMeasurements) != 2 {
		t.Fatalf("expected 2 inlined children, got %d", len(full.IPMeasurements))
	}
	// children must drop settings and ripe id in the DN view
	if full.IPMeasurements[0].Settings != nil || full.IPMeasurements[0].IDRipe != nil {
		t.Error("child view leaked settings or ripe id")
	}
	if full.IDRipe == nil || *full.IDRipe != 98765 {
		t.Error("dn view lost ripe id")
	}

	partial, err := d.PartialDNView(dnID)
	if err != nil {
		t.Fatalf("PartialDNView: %v", err)
	}
	if len(partial.IPMeasurementIDs) != 2 {
		t.Fatalf("expected 2 child ids, got %d", len(partial.IPMeasurementIDs))
	}

	// Partial view id-set equals full view id-set.
	for i, cv := range full.IPMeasurements {
		if cv.SearchID != partial.IPMeasurementIDs[i] {
			t.Errorf("id mismatch at %d: full %s vs partial %s", i, cv.SearchID, partial.IPMeasurementIDs[i])
		}
	}
}

func TestRecentOffsets(t *testing.T) {
	d := newTestDB(t)

	for i, off := range []float64{0.001, 0.002, 0.003} {
		rec := sampleV4("h", "9.9.9.9")
		rec.Offset = off
		if _, err := d.AddSyncMeasurement(rec, nil); err != nil {
			t.Fatalf("AddSyncMeasurement %d: %v", i, err)
		}
	}

	offsets, err := d.RecentOffsets("9.9.9.9", 2)
	if err != nil {
		t.Fatalf("RecentOffsets: %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 0.003 {
		t.Errorf("unexpected offsets: %v", offsets)
	}
}

func TestHistoryViews(t *testing.T) {
	d := newTestDB(t)

	now := time.Now().UTC()
	id1, _ := d.CreateDN("history.example.org", now.Add(-2*time.Hour))
	id2, _ := d.CreateDN("history.example.org", now.Add(-1*time.Hour))
	d.CreateDN("other.example.org", now)

	views, err := d.HistoryViews("history.example.org", false, now.Add(-3*time.Hour), now)
	if err != nil {
		t.Fatalf("HistoryViews: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(views))
	}
	first := views[0].(*FullDNView)
	if want := fmt.Sprintf("dn%d", id2); first.SearchID != want {
		t.Errorf("expected newest first (%s), got %s", want, first.SearchID)
	}
	last := views[1].(*FullDNView)
	if want := fmt.Sprintf("dn%d", id1); last.SearchID != want {
		t.Errorf("expected oldest last (%s), got %s", want, last.SearchID)
	}
}
