package db

import (
	"database/sql"
	"fmt"
	"time"

	"timetrace/internal/ntptime"
	"timetrace/internal/probe"
)

// Measurement kinds and the status lattice. A measurement only ever
// moves forward through these; finished and failed are absorbing.
const (
	KindIP = "ip"
	KindDN = "dn"

	StatusPending         = "pending"
	StatusRunningRipe     = "running-ripe"
	StatusRunningNtpPerIP = "running-ntp-per-ip"
	StatusRunningNTS      = "running-nts"
	StatusRunningVersions = "running-versions"
	StatusFinished        = "finished"
	StatusFailed          = "failed"
)

// Measurement is one row of full_ntp_measurement_ip or _dn. Server
// holds the server_ip for IP measurements and the domain name for DN
// measurements.
type Measurement struct {
	ID        int64
	Kind      string
	Status    string
	Server    string
	CreatedAt time.Time

	NTSID             sql.NullInt64
	VersionsID        sql.NullInt64
	RipeID            sql.NullInt64
	MainMeasurementID sql.NullInt64
	ResponseVersion   sql.NullString

	RipeError     sql.NullString
	ResponseError sql.NullString
	Settings      []byte
}

// NtpRecord is the shared column block of the ntpv4 and ntpv5 tables.
type NtpRecord struct {
	ID         int64
	Host       string
	MeasuredIP string

	ClientSent ntptime.PreciseTime
	ServerRecv ntptime.PreciseTime
	ServerSent ntptime.PreciseTime
	ClientRecv ntptime.PreciseTime
	RefTime    ntptime.PreciseTime

	Offset    float64
	RTT       float64
	Stratum   int
	Poll      int
	Precision float64
	RootDelay float64
	RootDisp  float64
	Leap      int
	Mode      int
	Version   int

	RefName    string
	Extensions map[string]any
	CreatedAt  time.Time
}

// NtpV4Record holds NTP v1 through v4 responses; they all share the v4
// framing.
type NtpV4Record struct {
	NtpRecord
}

// NtpV5Record additionally carries the v5-only fields.
type NtpV5Record struct {
	NtpRecord
	DraftName    string
	Era          int
	Timescale    int
	FlagsRaw     int64
	FlagsDecoded []string
	ClientCookie string
	ServerCookie string
	Analysis     string
}

// ServerInfo describes the measured server and the vantage point, one
// row per persisted NTP record.
type ServerInfo struct {
	IPIsAnycast    bool
	ASN            string
	CountryCode    string
	CoordinatesLat float64
	CoordinatesLon float64
	VantagePointIP string
}

// NTSRecord is one NTS measurement outcome.
type NTSRecord struct {
	ID        int64
	Succeeded bool
	Analysis  string

	Host         string
	MeasuredIP   string
	MeasuredPort int

	Offset          float64
	RTT             float64
	KissCode        string
	Stratum         int
	Poll            int
	MeasurementType string

	ClientSent ntptime.PreciseTime
	ServerRecv ntptime.PreciseTime
	ServerSent ntptime.PreciseTime
	ClientRecv ntptime.PreciseTime
	RefTime    ntptime.PreciseTime

	Leap    int
	Mode    int
	Version int

	MinError  float64
	Precision float64
	RootDelay float64
	RootDisp  float64
	RootDist  float64

	RefID    string
	RefIDRaw string
	Warning  string
}

// VersionsSlot is one of the five slots of a version sweep. At most one
// of RecordV4/RecordV5 is set, chosen by the version the response
// itself advertised; ResponseVersion names that class ("ntpv3",
// "ntpv5", ...). A slot whose probe failed carries only the confidence
// and analysis.
type VersionsSlot struct {
	Confidence      string
	Analysis        string
	ResponseVersion string

	RecordV4   *NtpV4Record
	RecordV5   *NtpV5Record
	ServerInfo *ServerInfo

	// RecordID is filled in by the store on insert.
	RecordID sql.NullInt64
}

// VersionsSummary is the sweep result; Slots[0] is NTPv1.
type VersionsSummary struct {
	ID    int64
	Slots [5]VersionsSlot
}

// FromProbeRecord maps a parsed tool response onto the shared record
// columns.
func FromProbeRecord(rec *probe.Record, host, measuredIP, refName string) NtpRecord {
	version := 0
	if rec.Version != nil {
		version = *rec.Version
	}
	return NtpRecord{
		Host:       host,
		MeasuredIP: measuredIP,
		ClientSent: rec.OrigTimestamp,
		ServerRecv: rec.RecvTimestamp,
		ServerSent: rec.TxTimestamp,
		ClientRecv: rec.ClientRecvTime,
		RefTime:    rec.RefTimestamp,
		Offset:     rec.Offset,
		RTT:        rec.RTT,
		Stratum:    rec.Stratum,
		Poll:       rec.Poll,
		Precision:  rec.Precision,
		RootDelay:  rec.RootDelay,
		RootDisp:   rec.RootDisp,
		Leap:       rec.Leap,
		Mode:       rec.Mode,
		Version:    version,
		RefName:    refName,
		Extensions: rec.Extensions,
	}
}

// V5FromProbeRecord maps a v5-classified tool response, including the
// v5-only block.
func V5FromProbeRecord(rec *probe.Record, host, measuredIP, analysis, draft string) *NtpV5Record {
	out := &NtpV5Record{
		NtpRecord: FromProbeRecord(rec, host, measuredIP, ""),
		DraftName: draft,
		Analysis:  analysis,
	}
	if rec.Era != nil {
		out.Era = *rec.Era
	}
	if rec.Timescale != nil {
		out.Timescale = *rec.Timescale
	}
	if rec.FlagsRaw != nil {
		out.FlagsRaw = int64(*rec.FlagsRaw)
	}
	out.FlagsDecoded = rec.FlagsDecoded
	if rec.ClientCookie != nil {
		out.ClientCookie = fmt.Sprintf("%d", *rec.ClientCookie)
	}
	if rec.ServerCookie != nil {
		out.ServerCookie = fmt.Sprintf("%d", *rec.ServerCookie)
	}
	return out
}
