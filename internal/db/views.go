package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"timetrace/internal/ntptime"
)

// The view types are the JSON shapes served by the gateway. A full view
// inlines every child record; a partial view stops at the ids of the
// heavy children so clients can page through them separately.

type ServerInfoView struct {
	IPIsAnycast    bool       `json:"ip_is_anycast"`
	ASN            string     `json:"asn_ntp_server,omitempty"`
	CountryCode    string     `json:"country_code,omitempty"`
	Coordinates    [2]float64 `json:"coordinates"`
	VantagePointIP string     `json:"vantage_point_ip,omitempty"`
}

type NtpDataView struct {
	Host       string `json:"host"`
	MeasuredIP string `json:"measured_ip,omitempty"`

	ClientSentTime ntptime.PreciseTime `json:"client_sent_time"`
	ServerRecvTime ntptime.PreciseTime `json:"server_recv_time"`
	ServerSentTime ntptime.PreciseTime `json:"server_sent_time"`
	ClientRecvTime ntptime.PreciseTime `json:"client_recv_time"`
	RefTime        ntptime.PreciseTime `json:"ref_time"`

	Offset    float64 `json:"offset"`
	RTT       float64 `json:"rtt"`
	Stratum   int     `json:"stratum"`
	Poll      int     `json:"poll"`
	Precision float64 `json:"precision"`
	RootDelay float64 `json:"root_delay"`
	RootDisp  float64 `json:"root_disp"`
	Leap      int     `json:"leap"`
	Mode      int     `json:"mode"`
	Version   int     `json:"version"`

	RefName    string         `json:"ref_name,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
	ServerInfo *ServerInfoView `json:"server_info,omitempty"`

	Era          *int     `json:"era,omitempty"`
	Timescale    *int     `json:"timescale,omitempty"`
	FlagsRaw     *int64   `json:"flags_raw,omitempty"`
	FlagsDecoded []string `json:"flags_decoded,omitempty"`
	ClientCookie string   `json:"client_cookie,omitempty"`
	ServerCookie string   `json:"server_cookie,omitempty"`
}

type RecordView struct {
	ID         int64        `json:"id"`
	DraftName  string       `json:"draft_name,omitempty"`
	V5Analysis string       `json:"ntpv5_analysis,omitempty"`
	NtpData    *NtpDataView `json:"ntp_data,omitempty"`
	V5Data     *NtpDataView `json:"ntpv5_data,omitempty"`
}

type NTSDataView struct {
	Host               string `json:"host,omitempty"`
	MeasuredServerIP   string `json:"measured_server_ip,omitempty"`
	MeasuredServerPort int    `json:"measured_server_port,omitempty"`

	Offset   float64 `json:"offset"`
	RTT      float64 `json:"rtt"`
	KissCode string  `json:"kiss_code,omitempty"`
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

	RefID    string `json:"ref_id,omitempty"`
	RefIDRaw string `json:"ref_id_raw,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

type NTSView struct {
	ID                 int64        `json:"nts_id"`
	Succeeded          bool         `json:"nts_succeeded"`
	Analysis           string       `json:"nts_analysis"`
	MeasurementVersion string       `json:"nts_measurement_version,omitempty"`
	Data               *NTSDataView `json:"nts_data"`
}

type VersionsView struct {
	ID int64 `json:"id"`

	V1SupportedConf   string      `json:"ntpv1_supported_conf"`
	V1Analysis        string      `json:"ntpv1_analysis"`
	V1ResponseVersion string      `json:"ntpv1_response_version,omitempty"`
	V1Data            *RecordView `json:"ntpv1_data"`

	V2SupportedConf   string      `json:"ntpv2_supported_conf"`
	V2Analysis        string      `json:"ntpv2_analysis"`
	V2ResponseVersion string      `json:"ntpv2_response_version,omitempty"`
	V2Data            *RecordView `json:"ntpv2_data"`

	V3SupportedConf   string      `json:"ntpv3_supported_conf"`
	V3Analysis        string      `json:"ntpv3_analysis"`
	V3ResponseVersion string      `json:"ntpv3_response_version,omitempty"`
	V3Data            *RecordView `json:"ntpv3_data"`

	V4SupportedConf   string      `json:"ntpv4_supported_conf"`
	V4Analysis        string      `json:"ntpv4_analysis"`
	V4ResponseVersion string      `json:"ntpv4_response_version,omitempty"`
	V4Data            *RecordView `json:"ntpv4_data"`

	V5SupportedConf   string      `json:"ntpv5_supported_conf"`
	V5Analysis        string      `json:"ntpv5_analysis"`
	V5ResponseVersion string      `json:"ntpv5_response_version,omitempty"`
	V5Data            *RecordView `json:"ntpv5_data"`
}

type FullIPView struct {
	SearchID        string          `json:"search_id"`
	Status          string          `json:"status"`
	Server          string          `json:"server"`
	CreatedAt       string          `json:"created_at_time"`
	MainMeasurement *RecordView     `json:"main_measurement"`
	NTS             *NTSView        `json:"nts"`
	NTPVersions     *VersionsView   `json:"ntp_versions"`
	ResponseVersion string          `json:"response_version,omitempty"`
	ResponseError   string          `json:"response_error,omitempty"`
	RipeError       string          `json:"ripe_error,omitempty"`
	IDRipe          *int64          `json:"id_ripe,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

type PartialIPView struct {
	SearchID        string          `json:"search_id"`
	Status          string          `json:"status"`
	Server          string          `json:"server"`
	CreatedAt       string          `json:"created_at_time"`
	MainMeasurement *RecordView     `json:"main_measurement"`
	NTS             *NTSView        `json:"nts"`
	NTPVersionsID   *int64          `json:"ntp_versions_id"`
	ResponseVersion string          `json:"response_version,omitempty"`
	ResponseError   string          `json:"response_error,omitempty"`
	RipeError       string          `json:"ripe_error,omitempty"`
	IDRipe          *int64          `json:"id_ripe,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

type FullDNView struct {
	SearchID       string          `json:"search_id"`
	Status         string          `json:"status"`
	Server         string          `json:"server"`
	CreatedAt      string          `json:"created_at_time"`
	NTS            *NTSView        `json:"nts"`
	NTPVersions    *VersionsView   `json:"ntp_versions"`
	IDRipe         *int64          `json:"id_ripe,omitempty"`
	RipeError      string          `json:"ripe_error,omitempty"`
	ResponseError  string          `json:"response_error,omitempty"`
	Settings       json.RawMessage `json:"settings,omitempty"`
	IPMeasurements []*FullIPView   `json:"ip_measurements"`
}

type PartialDNView struct {
	SearchID         string          `json:"search_id"`
	Status           string          `json:"status"`
	Server           string          `json:"server"`
	CreatedAt        string          `json:"created_at_time"`
	NTS              *NTSView        `json:"nts"`
	NTPVersionsID    *int64          `json:"ntp_versions_id"`
	IDRipe           *int64          `json:"id_ripe,omitempty"`
	RipeError        string          `json:"ripe_error,omitempty"`
	ResponseError    string          `json:"response_error,omitempty"`
	Settings         json.RawMessage `json:"settings,omitempty"`
	IPMeasurementIDs []string        `json:"ip_measurements_ids"`
}

func (d *DB) getNtpRecord(table string, id int64) (*NtpV5Record, error) {
	isV5 := table == "ntpv5_measurement"
	cols := ntpRecordColumns
	if isV5 {
		cols += `, draft_name, era, timescale, flags_raw, flags_decoded, client_cookie, server_cookie, analysis`
	}
	row := d.QueryRow(`SELECT id, `+cols+` FROM `+table+` WHERE id = ?`, id)

	var r NtpV5Record
	var ext, flags sql.NullString
	var draft, cCookie, sCookie, analysis, refName sql.NullString
	dest := []any{
		&r.ID, &r.Host, &r.MeasuredIP,
		&r.ClientSent.Seconds, &r.ClientSent.Fraction,
		&r.ServerRecv.Seconds, &r.ServerRecv.Fraction,
		&r.ServerSent.Seconds, &r.ServerSent.Fraction,
		&r.ClientRecv.Seconds, &r.ClientRecv.Fraction,
		&r.RefTime.Seconds, &r.RefTime.Fraction,
		&r.Offset, &r.RTT, &r.Stratum, &r.Poll, &r.Precision, &r.RootDelay, &r.RootDisp,
		&r.Leap, &r.Mode, &r.Version, &refName, &ext, &r.CreatedAt,
	}
	if isV5 {
		dest = append(dest, &draft, &r.Era, &r.Timescale, &r.FlagsRaw, &flags, &cCookie, &sCookie, &analysis)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.RefName = refName.String
	if ext.String != "" {
		_ = json.Unmarshal([]byte(ext.String), &r.Extensions)
	}
	if isV5 {
		r.DraftName = draft.String
		r.ClientCookie = cCookie.String
		r.ServerCookie = sCookie.String
		r.Analysis = analysis.String
		if flags.String != "" {
			_ = json.Unmarshal([]byte(flags.String), &r.FlagsDecoded)
		}
	}
	return &r, nil
}

func (d *DB) getServerInfo(table string, mID int64) *ServerInfoView {
	row := d.QueryRow(`SELECT ip_is_anycast, asn, country_code, coordinates_lat, coordinates_lon, vantage_point_ip
		FROM `+table+` WHERE m_id = ?`, mID)
	var v ServerInfoView
	var asn, cc, vp sql.NullString
	if err := row.Scan(&v.IPIsAnycast, &asn, &cc, &v.Coordinates[0], &v.Coordinates[1], &vp); err != nil {
		return nil
	}
	v.ASN, v.CountryCode, v.VantagePointIP = asn.String, cc.String, vp.String
	return &v
}

func ntpDataView(r *NtpV5Record, info *ServerInfoView, isV5 bool) *NtpDataView {
	v := &NtpDataView{
		Host:           r.Host,
		MeasuredIP:     r.MeasuredIP,
		ClientSentTime: r.ClientSent,
		ServerRecvTime: r.ServerRecv,
		ServerSentTime: r.ServerSent,
		ClientRecvTime: r.ClientRecv,
		RefTime:        r.RefTime,
		Offset:         r.Offset,
		RTT:            r.RTT,
		Stratum:        r.Stratum,
		Poll:           r.Poll,
		Precision:      r.Precision,
		RootDelay:      r.RootDelay,
		RootDisp:       r.RootDisp,
		Leap:           r.Leap,
		Mode:           r.Mode,
		Version:        r.Version,
		RefName:        r.RefName,
		Extensions:     r.Extensions,
		ServerInfo:     info,
	}
	if isV5 {
		era, ts, fr := r.Era, r.Timescale, r.FlagsRaw
		v.Era, v.Timescale, v.FlagsRaw = &era, &ts, &fr
		v.FlagsDecoded = r.FlagsDecoded
		v.ClientCookie = r.ClientCookie
		v.ServerCookie = r.ServerCookie
	}
	return v
}

// recordView loads one persisted NTP record; responseVersion decides
// which table the id points into ("ntpv5" lives in its own table,
// everything else shares the v4 framing).
func (d *DB) recordView(id int64, responseVersion string) (*RecordView, error) {
	if responseVersion == "ntpv5" {
		r, err := d.getNtpRecord("ntpv5_measurement", id)
		if err != nil {
			return nil, err
		}
		return &RecordView{
			ID:         r.ID,
			DraftName:  r.DraftName,
			V5Analysis: r.Analysis,
			V5Data:     ntpDataView(r, d.getServerInfo("server_info_v5", r.ID), true),
		}, nil
	}
	r, err := d.getNtpRecord("ntpv4_measurement", id)
	if err != nil {
		return nil, err
	}
	return &RecordView{
		ID:      r.ID,
		NtpData: ntpDataView(r, d.getServerInfo("server_info_v4", r.ID), false),
	}, nil
}

func (d *DB) ntsView(id int64) (*NTSView, error) {
	row := d.QueryRow(`SELECT id, succeeded, analysis, host, measured_ip, measured_port,
			time_offset, rtt, kiss_code, stratum, poll, measurement_type,
			client_sent_s, client_sent_f, server_recv_s, server_recv_f,
			server_sent_s, server_sent_f, client_recv_s, client_recv_f,
			ref_time_s, ref_time_f,
			leap, mode, version, min_error, precision, root_delay, root_disp, root_dist,
			ref_id, ref_id_raw, warning
		FROM nts_measurement WHERE id = ?`, id)

	var r NTSRecord
	var analysis, host, mip, kiss, mtype, refID, refIDRaw, warning sql.NullString
	var port sql.NullInt64
	err := row.Scan(&r.ID, &r.Succeeded, &analysis, &host, &mip, &port,
		&r.Offset, &r.RTT, &kiss, &r.Stratum, &r.Poll, &mtype,
		&r.ClientSent.Seconds, &r.ClientSent.Fraction,
		&r.ServerRecv.Seconds, &r.ServerRecv.Fraction,
		&r.ServerSent.Seconds, &r.ServerSent.Fraction,
		&r.ClientRecv.Seconds, &r.ClientRecv.Fraction,
		&r.RefTime.Seconds, &r.RefTime.Fraction,
		&r.Leap, &r.Mode, &r.Version, &r.MinError, &r.Precision,
		&r.RootDelay, &r.RootDisp, &r.RootDist,
		&refID, &refIDRaw, &warning)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &NTSView{
		ID:                 r.ID,
		Succeeded:          r.Succeeded,
		Analysis:           analysis.String,
		MeasurementVersion: mtype.String,
		Data: &NTSDataView{
			Host:               host.String,
			MeasuredServerIP:   mip.String,
			MeasuredServerPort: int(port.Int64),
			Offset:             r.Offset,
			RTT:                r.RTT,
			KissCode:           kiss.String,
			Stratum:            r.Stratum,
			Poll:               r.Poll,
			ClientSentTime:     r.ClientSent,
			ServerRecvTime:     r.ServerRecv,
			ServerSentTime:     r.ServerSent,
			ClientRecvTime:     r.ClientRecv,
			RefTime:            r.RefTime,
			Leap:               r.Leap,
			Mode:               r.Mode,
			Version:            r.Version,
			MinError:           r.MinError,
			Precision:          r.Precision,
			RootDelay:          r.RootDelay,
			RootDisp:           r.RootDisp,
			RootDist:           r.RootDist,
			RefID:              refID.String,
			RefIDRaw:           refIDRaw.String,
			Warning:            warning.String,
		},
	}, nil
}

func (d *DB) VersionsView(id int64) (*VersionsView, error) {
	row := d.QueryRow(`SELECT id, id_v4_1, id_v4_2, id_v4_3, id_v4_4, id_v5,
			response_version_v1, response_version_v2, response_version_v3, response_version_v4, response_version_v5,
			supported_conf_v1, supported_conf_v2, supported_conf_v3, supported_conf_v4, supported_conf_v5,
			analysis_v1, analysis_v2, analysis_v3, analysis_v4, analysis_v5
		FROM ntp_versions WHERE id = ?`, id)

	var vsID int64
	var slotIDs [5]sql.NullInt64
	var resp, conf, analysis [5]sql.NullString
	dest := []any{&vsID}
	for i := range slotIDs {
		dest = append(dest, &slotIDs[i])
	}
	for i := range resp {
		dest = append(dest, &resp[i])
	}
	for i := range conf {
		dest = append(dest, &conf[i])
	}
	for i := range analysis {
		dest = append(dest, &analysis[i])
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	data := [5]*RecordView{}
	for i := 0; i < 5; i++ {
		if !slotIDs[i].Valid || !resp[i].Valid {
			continue
		}
		rv, err := d.recordView(slotIDs[i].Int64, resp[i].String)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		data[i] = rv
	}

	return &VersionsView{
		ID:                vsID,
		V1SupportedConf:   conf[0].String,
		V1Analysis:        analysis[0].String,
		V1ResponseVersion: resp[0].String,
		V1Data:            data[0],
		V2SupportedConf:   conf[1].String,
		V2Analysis:        analysis[1].String,
		V2ResponseVersion: resp[1].String,
		V2Data:            data[1],
		V3SupportedConf:   conf[2].String,
		V3Analysis:        analysis[2].String,
		V3ResponseVersion: resp[2].String,
		V3Data:            data[2],
		V4SupportedConf:   conf[3].String,
		V4Analysis:        analysis[3].String,
		V4ResponseVersion: resp[3].String,
		V4Data:            data[3],
		V5SupportedConf:   conf[4].String,
		V5Analysis:        analysis[4].String,
		V5ResponseVersion: resp[4].String,
		V5Data:            data[4],
	}, nil
}

func fmtCreated(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (d *DB) FullIPView(id int64, partOfDN bool) (*FullIPView, error) {
	m, err := d.GetMeasurement(KindIP, id)
	if err != nil {
		return nil, err
	}
	v := &FullIPView{
		SearchID:        fmt.Sprintf("ip%d", m.ID),
		Status:          m.Status,
		Server:          m.Server,
		CreatedAt:       fmtCreated(m.CreatedAt),
		ResponseVersion: m.ResponseVersion.String,
		ResponseError:   m.ResponseError.String,
		RipeError:       m.RipeError.String,
	}
	if m.MainMeasurementID.Valid && m.ResponseVersion.Valid {
		if rv, err := d.recordView(m.MainMeasurementID.Int64, m.ResponseVersion.String); err == nil {
			v.MainMeasurement = rv
		}
	}
	if m.NTSID.Valid {
		if nts, err := d.ntsView(m.NTSID.Int64); err == nil {
			v.NTS = nts
		}
	}
	if m.VersionsID.Valid {
		if vs, err := d.VersionsView(m.VersionsID.Int64); err == nil {
			v.NTPVersions = vs
		}
	}
	// A child of a DN measurement drops its settings and ripe id; they
	// are redundant with the parent's.
	if !partOfDN {
		v.IDRipe = optInt(m.RipeID)
		if len(m.Settings) > 0 {
			v.Settings = json.RawMessage(m.Settings)
		}
	}
	return v, nil
}

func (d *DB) PartialIPView(id int64, partOfDN bool) (*PartialIPView, error) {
	m, err := d.GetMeasurement(KindIP, id)
	if err != nil {
		return nil, err
	}
	v := &PartialIPView{
		SearchID:        fmt.Sprintf("ip%d", m.ID),
		Status:          m.Status,
		Server:          m.Server,
		CreatedAt:       fmtCreated(m.CreatedAt),
		NTPVersionsID:   optInt(m.VersionsID),
		ResponseVersion: m.ResponseVersion.String,
		ResponseError:   m.ResponseError.String,
		RipeError:       m.RipeError.String,
	}
	if m.MainMeasurementID.Valid && m.ResponseVersion.Valid {
		if rv, err := d.recordView(m.MainMeasurementID.Int64, m.ResponseVersion.String); err == nil {
			v.MainMeasurement = rv
		}
	}
	if m.NTSID.Valid {
		if nts, err := d.ntsView(m.NTSID.Int64); err == nil {
			v.NTS = nts
		}
	}
	if !partOfDN {
		v.IDRipe = optInt(m.RipeID)
		if len(m.Settings) > 0 {
			v.Settings = json.RawMessage(m.Settings)
		}
	}
	return v, nil
}

func (d *DB) FullDNView(id int64) (*FullDNView, error) {
	m, err := d.GetMeasurement(KindDN, id)
	if err != nil {
		return nil, err
	}
	v := &FullDNView{
		SearchID:       fmt.Sprintf("dn%d", m.ID),
		Status:         m.Status,
		Server:         m.Server,
		CreatedAt:      fmtCreated(m.CreatedAt),
		IDRipe:         optInt(m.RipeID),
		RipeError:      m.RipeError.String,
		ResponseError:  m.ResponseError.String,
		IPMeasurements: []*FullIPView{},
	}
	if len(m.Settings) > 0 {
		v.Settings = json.RawMessage(m.Settings)
	}
	if m.NTSID.Valid {
		if nts, err := d.ntsView(m.NTSID.Int64); err == nil {
			v.NTS = nts
		}
	}
	if m.VersionsID.Valid {
		if vs, err := d.VersionsView(m.VersionsID.Int64); err == nil {
			v.NTPVersions = vs
		}
	}
	children, err := d.Children(m.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		cv, err := d.FullIPView(child, true)
		if err != nil {
			return nil, err
		}
		v.IPMeasurements = append(v.IPMeasurements, cv)
	}
	return v, nil
}

func (d *DB) PartialDNView(id int64) (*PartialDNView, error) {
	m, err := d.GetMeasurement(KindDN, id)
	if err != nil {
		return nil, err
	}
	v := &PartialDNView{
		SearchID:         fmt.Sprintf("dn%d", m.ID),
		Status:           m.Status,
		Server:           m.Server,
		CreatedAt:        fmtCreated(m.CreatedAt),
		NTPVersionsID:    optInt(m.VersionsID),
		IDRipe:           optInt(m.RipeID),
		RipeError:        m.RipeError.String,
		ResponseError:    m.ResponseError.String,
		IPMeasurementIDs: []string{},
	}
	if len(m.Settings) > 0 {
		v.Settings = json.RawMessage(m.Settings)
	}
	if m.NTSID.Valid {
		// small enough to inline even in the partial view
		if nts, err := d.ntsView(m.NTSID.Int64); err == nil {
			v.NTS = nts
		}
	}
	children, err := d.Children(m.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		v.IPMeasurementIDs = append(v.IPMeasurementIDs, fmt.Sprintf("ip%d", child))
	}
	return v, nil
}

// HistoryViews returns full views of the composite measurements for a
// target created inside [start, end], newest first.
func (d *DB) HistoryViews(target string, isIP bool, start, end time.Time) ([]any, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if isIP {
		rows, err = d.Query(`SELECT id FROM full_ntp_measurement_ip
			WHERE server_ip = ? AND created_at >= ? AND created_at <= ? ORDER BY created_at DESC`,
			target, start.UTC(), end.UTC())
	} else {
		rows, err = d.Query(`SELECT id FROM full_ntp_measurement_dn
			WHERE server = ? AND created_at >= ? AND created_at <= ? ORDER BY created_at DESC`,
			target, start.UTC(), end.UTC())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if isIP {
			v, err := d.FullIPView(id, false)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		} else {
			v, err := d.FullDNView(id)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}
