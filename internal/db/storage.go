package db

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var fs embed.FS

// ErrNotFound is returned when a measurement id does not exist.
var ErrNotFound = errors.New("measurement not found")

// Store is everything the orchestrator and the gateway need from the
// database. Each Add* call wraps the writes of one pipeline stage in a
// single transaction.
type Store interface {
	CreateDN(server string, now time.Time) (int64, error)
	CreateIP(serverIP string, now time.Time) (int64, error)
	LinkDNIP(dnID, ipID int64) error
	GetMeasurement(kind string, id int64) (*Measurement, error)

	SetStatus(kind string, id int64, status string) error
	MarkFailed(kind string, id int64, reason string) error
	SetRipeID(kind string, id, ripeID int64) error
	SetRipeError(kind string, id int64, msg string) error
	SetResponseError(id int64, msg string) error
	SetSettings(kind string, id int64, settings []byte) error

	AddMainMeasurement(ipID int64, v4 *NtpV4Record, v5 *NtpV5Record, info *ServerInfo, responseVersion string) (int64, error)
	AddNTS(kind string, parentID int64, rec *NTSRecord) (int64, error)
	AddVersions(kind string, parentID int64, vs *VersionsSummary) (int64, error)
	AddSyncMeasurement(rec *NtpV4Record, info *ServerInfo) (int64, error)

	RecentOffsets(measuredIP string, limit int) ([]float64, error)
	Children(dnID int64) ([]int64, error)

	FullIPView(id int64, partOfDN bool) (*FullIPView, error)
	PartialIPView(id int64, partOfDN bool) (*PartialIPView, error)
	FullDNView(id int64) (*FullDNView, error)
	PartialDNView(id int64) (*PartialDNView, error)
	VersionsView(id int64) (*VersionsView, error)
	HistoryViews(target string, isIP bool, start, end time.Time) ([]any, error)

	Close() error
}

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serializing the pool avoids
	// SQLITE_BUSY between concurrent orchestrations.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &DB{db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DB) init() error {
	driver, err := sqlite3.WithInstance(d.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}

	src, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func tableFor(kind string) string {
	if kind == KindDN {
		return "full_ntp_measurement_dn"
	}
	return "full_ntp_measurement_ip"
}

func (d *DB) CreateDN(server string, now time.Time) (int64, error) {
	res, err := d.Exec(`INSERT INTO full_ntp_measurement_dn (status, server, created_at) VALUES (?, ?, ?)`,
		StatusPending, server, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) CreateIP(serverIP string, now time.Time) (int64, error) {
	res, err := d.Exec(`INSERT INTO full_ntp_measurement_ip (status, server_ip, created_at) VALUES (?, ?, ?)`,
		StatusPending, serverIP, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) LinkDNIP(dnID, ipID int64) error {
	_, err := d.Exec(`INSERT INTO dn_ip_link (id_dn, id_ip) VALUES (?, ?)`, dnID, ipID)
	return err
}

func (d *DB) GetMeasurement(kind string, id int64) (*Measurement, error) {
	m := &Measurement{Kind: kind}
	var row *sql.Row
	if kind == KindDN {
		row = d.QueryRow(`SELECT id, status, server, created_at, id_nts, id_vs, id_ripe, ripe_error, response_error, settings
			FROM full_ntp_measurement_dn WHERE id = ?`, id)
		err := row.Scan(&m.ID, &m.Status, &m.Server, &m.CreatedAt, &m.NTSID, &m.VersionsID, &m.RipeID,
			&m.RipeError, &m.ResponseError, &m.Settings)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return m, err
	}
	row = d.QueryRow(`SELECT id, status, server_ip, created_at, id_nts, id_vs, id_ripe, response_version,
			ripe_error, response_error, id_main_measurement, settings
		FROM full_ntp_measurement_ip WHERE id = ?`, id)
	err := row.Scan(&m.ID, &m.Status, &m.Server, &m.CreatedAt, &m.NTSID, &m.VersionsID, &m.RipeID,
		&m.ResponseVersion, &m.RipeError, &m.ResponseError, &m.MainMeasurementID, &m.Settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// SetStatus advances the lattice; terminal states never change.
func (d *DB) SetStatus(kind string, id int64, status string) error {
	_, err := d.Exec(fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ? AND status NOT IN (?, ?)`, tableFor(kind)),
		status, id, StatusFinished, StatusFailed)
	return err
}

func (d *DB) MarkFailed(kind string, id int64, reason string) error {
	_, err := d.Exec(fmt.Sprintf(`UPDATE %s SET status = ?, response_error = ? WHERE id = ? AND status NOT IN (?, ?)`, tableFor(kind)),
		StatusFailed, reason, id, StatusFinished, StatusFailed)
	return err
}

func (d *DB) SetRipeID(kind string, id, ripeID int64) error {
	_, err := d.Exec(fmt.Sprintf(`UPDATE %s SET id_ripe = ? WHERE id = ?`, tableFor(kind)), ripeID, id)
	return err
}

func (d *DB) SetRipeError(kind string, id int64, msg string) error {
	_, err := d.Exec(fmt.Sprintf(`UPDATE %s SET ripe_error = ? WHERE id = ?`, tableFor(kind)), msg, id)
	return err
}

func (d *DB) SetResponseError(id int64, msg string) error {
	_, err := d.Exec(`UPDATE full_ntp_measurement_ip SET response_error = ? WHERE id = ?`, msg, id)
	return err
}

func (d *DB) SetSettings(kind string, id int64, settings []byte) error {
	_, err := d.Exec(fmt.Sprintf(`UPDATE %s SET settings = ? WHERE id = ?`, tableFor(kind)), string(settings), id)
	return err
}

// inTx runs fn inside one transaction; any error rolls everything back.
func (d *DB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const ntpRecordColumns = `host, measured_ip,
	client_sent_s, client_sent_f, server_recv_s, server_recv_f,
	server_sent_s, server_sent_f, client_recv_s, client_recv_f,
	ref_time_s, ref_time_f,
	time_offset, rtt, stratum, poll, precision, root_delay, root_disp,
	leap, mode, version, ref_name, extensions, created_at`

func ntpRecordValues(r *NtpRecord) []any {
	ext := ""
	if r.Extensions != nil {
		if raw, err := json.Marshal(r.Extensions); err == nil {
			ext = string(raw)
		}
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return []any{
		r.Host, r.MeasuredIP,
		r.ClientSent.Seconds, r.ClientSent.Fraction,
		r.ServerRecv.Seconds, r.ServerRecv.Fraction,
		r.ServerSent.Seconds, r.ServerSent.Fraction,
		r.ClientRecv.Seconds, r.ClientRecv.Fraction,
		r.RefTime.Seconds, r.RefTime.Fraction,
		r.Offset, r.RTT, r.Stratum, r.Poll, r.Precision, r.RootDelay, r.RootDisp,
		r.Leap, r.Mode, r.Version, r.RefName, ext, created,
	}
}

func insertNtpV4(tx *sql.Tx, r *NtpV4Record) (int64, error) {
	res, err := tx.Exec(`INSERT INTO ntpv4_measurement (`+ntpRecordColumns+`) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ntpRecordValues(&r.NtpRecord)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func insertNtpV5(tx *sql.Tx, r *NtpV5Record) (int64, error) {
	flags := ""
	if r.FlagsDecoded != nil {
		if raw, err := json.Marshal(r.FlagsDecoded); err == nil {
			flags = string(raw)
		}
	}
	args := ntpRecordValues(&r.NtpRecord)
	args = append(args, r.DraftName, r.Era, r.Timescale, r.FlagsRaw, flags, r.ClientCookie, r.ServerCookie, r.Analysis)
	res, err := tx.Exec(`INSERT INTO ntpv5_measurement (`+ntpRecordColumns+`,
		draft_name, era, timescale, flags_raw, flags_decoded, client_cookie, server_cookie, analysis) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func insertServerInfo(tx *sql.Tx, table string, mID int64, info *ServerInfo) error {
	if info == nil {
		return nil
	}
	_, err := tx.Exec(`INSERT INTO `+table+` (m_id, ip_is_anycast, asn, country_code, coordinates_lat, coordinates_lon, vantage_point_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mID, info.IPIsAnycast, info.ASN, info.CountryCode, info.CoordinatesLat, info.CoordinatesLon, info.VantagePointIP)
	return err
}

// AddMainMeasurement persists the primary NTP response of an IP
// measurement. Exactly one of v4/v5 must be set; the choice follows the
// version the response itself advertised.
func (d *DB) AddMainMeasurement(ipID int64, v4 *NtpV4Record, v5 *NtpV5Record, info *ServerInfo, responseVersion string) (int64, error) {
	var recID int64
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		if v5 != nil {
			recID, err = insertNtpV5(tx, v5)
			if err == nil {
				err = insertServerInfo(tx, "server_info_v5", recID, info)
			}
		} else {
			recID, err = insertNtpV4(tx, v4)
			if err == nil {
				err = insertServerInfo(tx, "server_info_v4", recID, info)
			}
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE full_ntp_measurement_ip SET id_main_measurement = ?, response_version = ? WHERE id = ?`,
			recID, responseVersion, ipID)
		return err
	})
	return recID, err
}

func (d *DB) AddNTS(kind string, parentID int64, rec *NTSRecord) (int64, error) {
	var ntsID int64
	err := d.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO nts_measurement (succeeded, analysis, host, measured_ip, measured_port,
				time_offset, rtt, kiss_code, stratum, poll, measurement_type,
				client_sent_s, client_sent_f, server_recv_s, server_recv_f,
				server_sent_s, server_sent_f, client_recv_s, client_recv_f,
				ref_time_s, ref_time_f,
				leap, mode, version, min_error, precision, root_delay, root_disp, root_dist,
				ref_id, ref_id_raw, warning)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Succeeded, rec.Analysis, rec.Host, rec.MeasuredIP, rec.MeasuredPort,
			rec.Offset, rec.RTT, rec.KissCode, rec.Stratum, rec.Poll, rec.MeasurementType,
			rec.ClientSent.Seconds, rec.ClientSent.Fraction,
			rec.ServerRecv.Seconds, rec.ServerRecv.Fraction,
			rec.ServerSent.Seconds, rec.ServerSent.Fraction,
			rec.ClientRecv.Seconds, rec.ClientRecv.Fraction,
			rec.RefTime.Seconds, rec.RefTime.Fraction,
			rec.Leap, rec.Mode, rec.Version, rec.MinError, rec.Precision,
			rec.RootDelay, rec.RootDisp, rec.RootDist,
			rec.RefID, rec.RefIDRaw, rec.Warning)
		if err != nil {
			return err
		}
		ntsID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET id_nts = ? WHERE id = ?`, tableFor(kind)), ntsID, parentID)
		return err
	})
	return ntsID, err
}

// AddVersions persists the whole sweep: per-slot records (classified by
// their response version), their server infos, the summary row, and the
// link from the parent, all in one transaction.
func (d *DB) AddVersions(kind string, parentID int64, vs *VersionsSummary) (int64, error) {
	var vsID int64
	err := d.inTx(func(tx *sql.Tx) error {
		slotIDs := make([]sql.NullInt64, 5)
		for i := range vs.Slots {
			slot := &vs.Slots[i]
			switch {
			case slot.RecordV5 != nil:
				id, err := insertNtpV5(tx, slot.RecordV5)
				if err != nil {
					return err
				}
				if err := insertServerInfo(tx, "server_info_v5", id, slot.ServerInfo); err != nil {
					return err
				}
				slotIDs[i] = sql.NullInt64{Int64: id, Valid: true}
			case slot.RecordV4 != nil:
				id, err := insertNtpV4(tx, slot.RecordV4)
				if err != nil {
					return err
				}
				if err := insertServerInfo(tx, "server_info_v4", id, slot.ServerInfo); err != nil {
					return err
				}
				slotIDs[i] = sql.NullInt64{Int64: id, Valid: true}
			}
			slot.RecordID = slotIDs[i]
		}

		res, err := tx.Exec(`INSERT INTO ntp_versions (id_v4_1, id_v4_2, id_v4_3, id_v4_4, id_v5,
				response_version_v1, response_version_v2, response_version_v3, response_version_v4, response_version_v5,
				supported_conf_v1, supported_conf_v2, supported_conf_v3, supported_conf_v4, supported_conf_v5,
				analysis_v1, analysis_v2, analysis_v3, analysis_v4, analysis_v5)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			slotIDs[0], slotIDs[1], slotIDs[2], slotIDs[3], slotIDs[4],
			nullStr(vs.Slots[0].ResponseVersion), nullStr(vs.Slots[1].ResponseVersion), nullStr(vs.Slots[2].ResponseVersion),
			nullStr(vs.Slots[3].ResponseVersion), nullStr(vs.Slots[4].ResponseVersion),
			vs.Slots[0].Confidence, vs.Slots[1].Confidence, vs.Slots[2].Confidence,
			vs.Slots[3].Confidence, vs.Slots[4].Confidence,
			vs.Slots[0].Analysis, vs.Slots[1].Analysis, vs.Slots[2].Analysis,
			vs.Slots[3].Analysis, vs.Slots[4].Analysis)
		if err != nil {
			return err
		}
		vsID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		vs.ID = vsID
		_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET id_vs = ? WHERE id = ?`, tableFor(kind)), vsID, parentID)
		return err
	})
	return vsID, err
}

// AddSyncMeasurement stores a one-shot synchronous measurement record
// (the non-composite POST /measurements/ path).
func (d *DB) AddSyncMeasurement(rec *NtpV4Record, info *ServerInfo) (int64, error) {
	var id int64
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		id, err = insertNtpV4(tx, rec)
		if err != nil {
			return err
		}
		return insertServerInfo(tx, "server_info_v4", id, info)
	})
	return id, err
}

// RecentOffsets returns the newest stored offsets for one measured IP,
// newest first. Used for the jitter figure.
func (d *DB) RecentOffsets(measuredIP string, limit int) ([]float64, error) {
	rows, err := d.Query(`SELECT time_offset FROM ntpv4_measurement
		WHERE measured_ip = ? ORDER BY id DESC LIMIT ?`, measuredIP, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offsets []float64
	for rows.Next() {
		var o float64
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		offsets = append(offsets, o)
	}
	return offsets, rows.Err()
}

// Children lists the IP measurements linked under a DN measurement, in
// insertion order.
func (d *DB) Children(dnID int64) ([]int64, error) {
	rows, err := d.Query(`SELECT id_ip FROM dn_ip_link WHERE id_dn = ? ORDER BY id_ip`, dnID)
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
	return ids, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
