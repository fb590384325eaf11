// Package orchestrator drives composite measurements: it decomposes a
// request into the RIPE, per-IP NTP, NTS and version-sweep stages, runs
// them with polite pacing against the probed server, and commits each
// stage so pollers observe monotonic progress.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"timetrace/internal/analyzer"
	"timetrace/internal/db"
	"timetrace/internal/dnsres"
	"timetrace/internal/geo"
	"timetrace/internal/probe"
	"timetrace/internal/ripe"
)

const (
	defaultPacing     = 1200 * time.Millisecond
	defaultPoliteness = time.Second
	defaultTimeout    = 10 * time.Second
)

type job struct {
	kind     string
	id       int64
	ips      []string
	server   string
	settings Settings
}

type Orchestrator struct {
	store    db.Store
	probes   probe.Runner
	ripe     ripe.Client
	resolver dnsres.Resolver
	geo      geo.Resolver

	// Clock is swappable for tests; pacing and the politeness pause
	// keep probed servers from blacklisting us.
	Clock        clockwork.Clock
	Pacing       time.Duration
	Politeness   time.Duration
	ProbeTimeout time.Duration
	// VantagePointIP overrides outbound-IP discovery when set.
	VantagePointIP string

	jobs     chan job
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(store db.Store, probes probe.Runner, ripeClient ripe.Client, resolver dnsres.Resolver, g geo.Resolver, queueSize int) *Orchestrator {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Orchestrator{
		store:        store,
		probes:       probes,
		ripe:         ripeClient,
		resolver:     resolver,
		geo:          g,
		Clock:        clockwork.NewRealClock(),
		Pacing:       defaultPacing,
		Politeness:   defaultPoliteness,
		ProbeTimeout: defaultTimeout,
		jobs:         make(chan job, queueSize),
	}
}

// Start launches n workers draining the job queue.
func (o *Orchestrator) Start(n int) {
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for j := range o.jobs {
				o.run(j)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight measurements. Once
// dispatched, a measurement always runs to completion or failure.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.jobs) })
	o.wg.Wait()
}

// StartMeasurement creates the pending record, enqueues the pipeline
// and returns the ("ip"|"dn", id) pair without waiting for completion.
// A domain name is resolved up front; a name with no address of the
// wanted family leaves a failed record behind and returns the error.
func (o *Orchestrator) StartMeasurement(ctx context.Context, server string, settings Settings) (string, int64, error) {
	if net.ParseIP(server) != nil {
		id, err := o.store.CreateIP(server, o.Clock.Now())
		if err != nil {
			return "", 0, err
		}
		o.jobs <- job{kind: db.KindIP, id: id, server: server, settings: settings}
		return db.KindIP, id, nil
	}

	id, err := o.store.CreateDN(server, o.Clock.Now())
	if err != nil {
		return "", 0, err
	}
	ips, err := o.resolver.LookupIPs(ctx, server, settings.WantedIPType)
	if err != nil || len(ips) == 0 {
		if ferr := o.store.MarkFailed(db.KindDN, id, "Domain name is invalid or cannot be resolved"); ferr != nil {
			log.Printf("marking dn%d failed: %v", id, ferr)
		}
		if err == nil {
			err = dnsres.ErrNoAddresses
		} else if !errors.Is(err, dnsres.ErrNoAddresses) {
			err = fmt.Errorf("%w: %v", dnsres.ErrNoAddresses, err)
		}
		return db.KindDN, id, err
	}
	o.jobs <- job{kind: db.KindDN, id: id, ips: ips, server: server, settings: settings}
	return db.KindDN, id, nil
}

// run executes one queued measurement. Probe failures are absorbed into
// the record; only storage errors or programming defects fail the whole
// measurement.
func (o *Orchestrator) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			kind := fmt.Sprintf("%v", r)
			if perr, ok := r.(error); ok {
				kind = errKind(perr)
			}
			o.markSurprising(j.kind, j.id, kind)
		}
	}()

	var err error
	if j.kind == db.KindDN {
		err = o.runDN(j)
	} else {
		err = o.runIP(j.id, j.settings, false, "")
	}
	if err != nil {
		o.markSurprising(j.kind, j.id, errKind(err))
	}
}

// errKind names the concrete error type, the way the failure sentinel
// reports it.
func errKind(err error) string {
	kind := fmt.Sprintf("%T", err)
	kind = strings.TrimPrefix(kind, "*")
	if i := strings.LastIndexByte(kind, '.'); i >= 0 {
		kind = kind[i+1:]
	}
	return kind
}

func (o *Orchestrator) markSurprising(kind string, id int64, errKind string) {
	log.Printf("measurement %s%d failed: %s", kind, id, errKind)
	msg := fmt.Sprintf("(surprising) error when completing the measurement: %s", errKind)
	if err := o.store.MarkFailed(kind, id, msg); err != nil {
		log.Printf("error while marking %s%d failed: %v", kind, id, err)
	}
}

func (o *Orchestrator) probeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.ProbeTimeout)
}

func (o *Orchestrator) runDN(j job) error {
	m, err := o.store.GetMeasurement(db.KindDN, j.id)
	if err == db.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	server := m.Server
	settings := j.settings
	log.Printf("starting dn%d (%s)", j.id, server)

	// One RIPE schedule per root; children skip theirs.
	if err := o.store.SetStatus(db.KindDN, j.id, db.StatusRunningRipe); err != nil {
		return err
	}
	o.scheduleRipe(db.KindDN, j.id, server, &settings, true)
	settings.CustomClientIP = ""

	for i, ip := range j.ips {
		if err := o.store.SetStatus(db.KindDN, j.id, db.StatusRunningNtpPerIP); err != nil {
			return err
		}
		childID, err := o.store.CreateIP(ip, o.Clock.Now())
		if err != nil {
			return err
		}
		if err := o.store.LinkDNIP(j.id, childID); err != nil {
			return err
		}
		log.Printf("dn%d: measuring ip %d/%d (%s)", j.id, i+1, len(j.ips), ip)
		// NTP servers may refuse to respond when polled too often.
		o.Clock.Sleep(o.Pacing)
		if err := o.runIP(childID, settings, true, server); err != nil {
			o.markSurprising(db.KindIP, childID, errKind(err))
		}
	}

	if err := o.store.SetStatus(db.KindDN, j.id, db.StatusRunningNTS); err != nil {
		return err
	}
	o.Clock.Sleep(o.Politeness)
	if ntsRec := o.probeNTSDomain(server, settings); ntsRec != nil {
		if _, err := o.store.AddNTS(db.KindDN, j.id, ntsRec); err != nil {
			return err
		}
	}

	if settings.WantsVersionSweep() {
		if err := o.store.SetStatus(db.KindDN, j.id, db.StatusRunningVersions); err != nil {
			return err
		}
		o.Clock.Sleep(o.Politeness)
		if vs := o.runSweep(server, server, settings); vs != nil {
			if _, err := o.store.AddVersions(db.KindDN, j.id, vs); err != nil {
				return err
			}
		}
	}

	if raw, err := json.Marshal(settings); err == nil {
		if err := o.store.SetSettings(db.KindDN, j.id, raw); err != nil {
			return err
		}
	}
	return o.store.SetStatus(db.KindDN, j.id, db.StatusFinished)
}

func (o *Orchestrator) runIP(id int64, settings Settings, partOfDN bool, fromDN string) error {
	m, err := o.store.GetMeasurement(db.KindIP, id)
	if err == db.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	serverIP := m.Server
	log.Printf("starting ip%d (%s)", id, serverIP)

	if !partOfDN {
		if err := o.store.SetStatus(db.KindIP, id, db.StatusRunningRipe); err != nil {
			return err
		}
		o.scheduleRipe(db.KindIP, id, serverIP, &settings, false)
		settings.CustomClientIP = ""
	}

	if err := o.store.SetStatus(db.KindIP, id, db.StatusRunningNtpPerIP); err != nil {
		return err
	}
	if err := o.mainMeasurement(id, serverIP, settings, fromDN); err != nil {
		return err
	}

	if !partOfDN || settings.NTSAnalysisOnEachIP {
		if err := o.store.SetStatus(db.KindIP, id, db.StatusRunningNTS); err != nil {
			return err
		}
		o.Clock.Sleep(o.Politeness)
		if ntsRec := o.probeNTSIP(serverIP); ntsRec != nil {
			if _, err := o.store.AddNTS(db.KindIP, id, ntsRec); err != nil {
				return err
			}
		}
	}

	if (!partOfDN || settings.VersionsAnalysisOnEachIP) && settings.WantsVersionSweep() {
		if err := o.store.SetStatus(db.KindIP, id, db.StatusRunningVersions); err != nil {
			return err
		}
		o.Clock.Sleep(o.Politeness)
		host := serverIP
		if fromDN != "" {
			host = fromDN
		}
		if vs := o.runSweep(serverIP, host, settings); vs != nil {
			if _, err := o.store.AddVersions(db.KindIP, id, vs); err != nil {
				return err
			}
		}
	}

	if raw, err := json.Marshal(settings); err == nil {
		if err := o.store.SetSettings(db.KindIP, id, raw); err != nil {
			return err
		}
	}
	return o.store.SetStatus(db.KindIP, id, db.StatusFinished)
}

// scheduleRipe runs the RIPE stage; a failure only sets ripe_error and
// the pipeline moves on.
func (o *Orchestrator) scheduleRipe(kind string, id int64, target string, settings *Settings, resolveOnProbe bool) {
	ctx, cancel := o.probeCtx()
	defer cancel()

	ripeID, err := o.ripe.Schedule(ctx, target, ripe.ScheduleOptions{
		ClientIP:       settings.CustomClientIP,
		IPFamily:       settings.WantedIPType,
		ASN:            settings.CustomProbesASN,
		Country:        settings.CustomProbesCountry,
		ResolveOnProbe: resolveOnProbe,
	})
	if err != nil {
		log.Printf("ripe scheduling for %s%d failed: %v", kind, id, err)
		msg := "Failed to initiate RIPE measurement"
		if _, ok := err.(*ripe.Error); ok {
			msg = fmt.Sprintf("RIPE measurement initiated, but it failed: %s", err.Error())
		}
		if serr := o.store.SetRipeError(kind, id, msg); serr != nil {
			log.Printf("storing ripe error for %s%d: %v", kind, id, serr)
		}
		return
	}
	if serr := o.store.SetRipeID(kind, id, ripeID); serr != nil {
		log.Printf("storing ripe id for %s%d: %v", kind, id, serr)
	}
}

// mainMeasurement runs the primary NTP probe. The response is persisted
// as v4 or v5 according to the version the response itself advertises,
// never the requested one: correct lower-version data must not land in
// the v5 table, while fake "v5" stays there as observable evidence.
func (o *Orchestrator) mainMeasurement(id int64, serverIP string, settings Settings, fromDN string) error {
	ctx, cancel := o.probeCtx()
	defer cancel()

	rec, err := o.probes.ProbeNTP(ctx, serverIP, settings.MeasurementType, settings.NTPv5Draft)
	if err != nil {
		return o.store.SetResponseError(id, probe.FailureText(err))
	}
	if rec.Version == nil {
		return o.store.SetResponseError(id, "Received an NTP response without a version field.")
	}

	host := serverIP
	if fromDN != "" {
		host = fromDN
	}
	measuredIP := rec.MeasuredIP
	if measuredIP == "" {
		measuredIP = serverIP
	}
	respVersion := fmt.Sprintf("ntpv%d", *rec.Version)
	info := o.serverInfo(measuredIP)

	var v4 *db.NtpV4Record
	var v5 *db.NtpV5Record
	if rec.IsV5() {
		v5 = db.V5FromProbeRecord(rec, host, measuredIP, "", settings.NTPv5Draft)
	} else {
		v4 = &db.NtpV4Record{NtpRecord: db.FromProbeRecord(rec, host, measuredIP, "")}
	}
	_, err = o.store.AddMainMeasurement(id, v4, v5, info, respVersion)
	return err
}


// runSweep probes all versions once and scores the requested subset. A
// sweep whose tool invocation failed is absorbed: the summary stays
// null and the measurement still finishes.
func (o *Orchestrator) runSweep(target, host string, settings Settings) *db.VersionsSummary {
	ctx, cancel := o.probeCtx()
	defer cancel()

	sweep, err := o.probes.ProbeAllVersions(ctx, target, settings.NTPv5Draft)
	if err != nil {
		log.Printf("version sweep for %s failed: %v", target, err)
		return nil
	}

	vs := &db.VersionsSummary{}
	for _, n := range settings.versionNumbers() {
		p := sweep[n]
		res := analyzer.Analyze(n, p)
		slot := db.VersionsSlot{Confidence: res.Confidence, Analysis: res.Analysis}

		// A record is kept only for responses that parsed and carry a
		// version field; the slot class follows the response version.
		if p.Err == "" && p.Record != nil && p.Record.Version != nil {
			measuredIP := p.Record.MeasuredIP
			if measuredIP == "" {
				measuredIP = target
			}
			slot.ResponseVersion = fmt.Sprintf("ntpv%d", *p.Record.Version)
			if p.Record.IsV5() {
				slot.RecordV5 = db.V5FromProbeRecord(p.Record, host, measuredIP, res.Analysis, settings.NTPv5Draft)
			} else {
				slot.RecordV4 = &db.NtpV4Record{NtpRecord: db.FromProbeRecord(p.Record, host, measuredIP, res.RefName)}
			}
			slot.ServerInfo = o.serverInfo(measuredIP)
		}
		vs.Slots[n-1] = slot
	}
	return vs
}

func (o *Orchestrator) probeNTSDomain(server string, settings Settings) *db.NTSRecord {
	ctx, cancel := o.probeCtx()
	defer cancel()

	rec, err := o.probes.ProbeNTS(ctx, server, settings.WantedIPType)
	if errors.Is(err, probe.ErrUnavailable) {
		// no tool, no NTS sub-part; the stage leaves the link null
		return nil
	}
	if err != nil {
		return &db.NTSRecord{Host: server, Analysis: probe.FailureText(err)}
	}
	return convertNTS(rec, server)
}

func (o *Orchestrator) probeNTSIP(serverIP string) *db.NTSRecord {
	ctx, cancel := o.probeCtx()
	defer cancel()

	rec, err := o.probes.ProbeNTSOnIP(ctx, serverIP)
	if errors.Is(err, probe.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return &db.NTSRecord{
			Host:     serverIP,
			Analysis: probe.FailureText(err),
			Warning:  "NTS measurements on IPs cannot check TLS certificate.",
		}
	}
	out := convertNTS(rec, serverIP)
	out.Warning = "NTS measurements on IPs cannot check TLS certificate."
	return out
}

func convertNTS(rec *probe.NTSRecord, fallbackHost string) *db.NTSRecord {
	host := rec.Host
	if host == "" {
		host = fallbackHost
	}
	return &db.NTSRecord{
		Succeeded:       rec.Succeeded,
		Analysis:        rec.Analysis,
		Host:            host,
		MeasuredIP:      rec.MeasuredServerIP,
		MeasuredPort:    rec.MeasuredServerPort,
		Offset:          rec.Offset,
		RTT:             rec.RTT,
		KissCode:        rec.KissCode,
		Stratum:         rec.Stratum,
		Poll:            rec.Poll,
		MeasurementType: "ntpv4",
		ClientSent:      rec.ClientSentTime,
		ServerRecv:      rec.ServerRecvTime,
		ServerSent:      rec.ServerSentTime,
		ClientRecv:      rec.ClientRecvTime,
		RefTime:         rec.RefTime,
		Leap:            rec.Leap,
		Mode:            rec.Mode,
		Version:         rec.Version,
		MinError:        rec.MinError,
		Precision:       rec.Precision,
		RootDelay:       rec.RootDelay,
		RootDisp:        rec.RootDisp,
		RootDist:        rec.RootDist,
		RefID:           rec.RefID,
		RefIDRaw:        rec.RefIDRaw,
		Warning:         rec.Warning,
	}
}

func (o *Orchestrator) serverInfo(ip string) *db.ServerInfo {
	lat, lon := o.geo.CoordinatesForIP(ip)
	return &db.ServerInfo{
		IPIsAnycast:    o.geo.IsAnycast(ip),
		ASN:            o.geo.ASNForIP(ip),
		CountryCode:    o.geo.CountryForIP(ip),
		CoordinatesLat: lat,
		CoordinatesLon: lon,
		VantagePointIP: o.vantageIP(4),
	}
}

// vantageIP reports the address measurements originate from.
func (o *Orchestrator) vantageIP(family int) string {
	if o.VantagePointIP != "" {
		return o.VantagePointIP
	}
	return dnsres.OutboundIP(family)
}

