// Package web is the HTTP gateway: it validates requests, enforces the
// per-client rate limit, dispatches composite measurements to the
// orchestrator and serves the polling views.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"timetrace/internal/config"
	"timetrace/internal/db"
	"timetrace/internal/dnsres"
	"timetrace/internal/geo"
	"timetrace/internal/ntptime"
	"timetrace/internal/orchestrator"
	"timetrace/internal/probe"
	"timetrace/internal/ripe"
)

type Server struct {
	cfg      *config.Config
	store    db.Store
	orch     *orchestrator.Orchestrator
	probes   probe.Runner
	ripe     ripe.Client
	resolver dnsres.Resolver
	geo      geo.Resolver
	router   *chi.Mux
	validate *validator.Validate
	limiter  *ipRateLimiter
}

func New(cfg *config.Config, store db.Store, orch *orchestrator.Orchestrator, probes probe.Runner,
	ripeClient ripe.Client, resolver dnsres.Resolver, g geo.Resolver) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		orch:     orch,
		probes:   probes,
		ripe:     ripeClient,
		resolver: resolver,
		geo:      g,
		router:   chi.NewRouter(),
		validate: validator.New(),
		limiter:  newIPRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.limiter.middleware)

	s.router.Get("/", s.handleRoot)
	s.router.Post("/measurements/", s.handleMeasure)
	s.router.Get("/measurements/history/", s.handleHistory)
	s.router.Post("/measurements/trigger/", s.handleTrigger)
	s.router.Get("/measurements/results/{id}", s.handleResults)
	s.router.Get("/measurements/partial-results/{id}", s.handlePartialResults)
	s.router.Get("/measurements/ntp_versions/{id}", s.handleVersions)
	s.router.Get("/measurements/ntpinfo-server-details/{ipType}", s.handleServerDetails)
	s.router.Post("/measurements/nts/", s.handleNTS)
	s.router.Post("/measurements/ripe/trigger/", s.handleRipeTrigger)
	s.router.Get("/measurements/ripe/{measurementID}", s.handleRipeFetch)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	return http.ListenAndServe(":"+strconv.Itoa(s.cfg.HTTPPort), s.router)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) *MeasurementRequest {
	var req MeasurementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil
	}
	req.Server = sanitizeString(req.Server)
	return &req
}

func (s *Server) probeCtx() (context.Context, context.CancelFunc) {
	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html>
    <head><title>timetrace</title></head>
    <body>
        <h1>Welcome to the timetrace API</h1>
        <p>This service measures time-protocol servers: NTP v1-v5, NTS and RIPE Atlas vantage points.</p>
    </body>
</html>
`)
}

// syncMeasurementView is one entry of the synchronous measurement
// response.
type syncMeasurementView struct {
	NtpVersion        int    `json:"ntp_version"`
	VantagePointIP    string `json:"vantage_point_ip"`
	NtpServerIP       string `json:"ntp_server_ip"`
	NtpServerName     string `json:"ntp_server_name"`
	NtpServerLocation struct {
		IPIsAnycast bool       `json:"ip_is_anycast"`
		CountryCode string     `json:"country_code"`
		Coordinates [2]float64 `json:"coordinates"`
	} `json:"ntp_server_location"`
	RefName string `json:"ref_name,omitempty"`

	ClientSentTime ntptime.PreciseTime `json:"client_sent_time"`
	ServerRecvTime ntptime.PreciseTime `json:"server_recv_time"`
	ServerSentTime ntptime.PreciseTime `json:"server_sent_time"`
	ClientRecvTime ntptime.PreciseTime `json:"client_recv_time"`

	Offset    float64 `json:"offset"`
	RTT       float64 `json:"rtt"`
	Stratum   int     `json:"stratum"`
	Precision float64 `json:"precision"`

	RootDelay       float64             `json:"root_delay"`
	Poll            int                 `json:"poll"`
	RootDispersion  float64             `json:"root_dispersion"`
	ASN             string              `json:"asn_ntp_server,omitempty"`
	NtpLastSyncTime ntptime.PreciseTime `json:"ntp_last_sync_time"`
	Leap            int                 `json:"leap"`

	Jitter               float64 `json:"jitter"`
	NrMeasurementsJitter int     `json:"nr_measurements_jitter"`
}

// handleMeasure performs one synchronous NTP measurement per resolved
// address and reports jitter over the stored history of each address.
func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	req := s.decodeRequest(w, r)
	if req == nil {
		return
	}
	if req.Server == "" {
		http.Error(w, "Either 'ip' or 'dn' must be provided.", http.StatusBadRequest)
		return
	}

	wanted := 4
	if req.IPv6Measurement {
		wanted = 6
	}
	if family := ipFamily(req.Server); family != 0 {
		wanted = family
	}

	ips := []string{req.Server}
	if ipFamily(req.Server) == 0 {
		ctx, cancel := s.probeCtx()
		resolved, err := s.resolver.LookupIPs(ctx, req.Server, wanted)
		cancel()
		if err != nil {
			http.Error(w, "Domain name is invalid or cannot be resolved.", http.StatusUnprocessableEntity)
			return
		}
		ips = resolved
	}

	var out []syncMeasurementView
	for _, ip := range ips {
		ctx, cancel := s.probeCtx()
		rec, err := s.probes.ProbeNTP(ctx, ip, "ntpv4", "")
		cancel()
		if err != nil {
			log.Printf("synchronous measurement of %s failed: %v", ip, err)
			continue
		}

		record := db.FromProbeRecord(rec, req.Server, ip, "")
		info := &db.ServerInfo{
			IPIsAnycast:    s.geo.IsAnycast(ip),
			ASN:            s.geo.ASNForIP(ip),
			CountryCode:    s.geo.CountryForIP(ip),
			VantagePointIP: s.vantageIP(wanted),
		}
		info.CoordinatesLat, info.CoordinatesLon = s.geo.CoordinatesForIP(ip)
		if _, err := s.store.AddSyncMeasurement(&db.NtpV4Record{NtpRecord: record}, info); err != nil {
			http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
			return
		}

		window := s.cfg.JitterWindow
		if window <= 0 {
			window = 8
		}
		offsets, err := s.store.RecentOffsets(ip, window)
		if err != nil {
			http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
			return
		}

		v := syncMeasurementView{
			NtpVersion:           record.Version,
			VantagePointIP:       info.VantagePointIP,
			NtpServerIP:          ip,
			NtpServerName:        req.Server,
			RefName:              record.RefName,
			ClientSentTime:       record.ClientSent,
			ServerRecvTime:       record.ServerRecv,
			ServerSentTime:       record.ServerSent,
			ClientRecvTime:       record.ClientRecv,
			Offset:               record.Offset,
			RTT:                  record.RTT,
			Stratum:              record.Stratum,
			Precision:            record.Precision,
			RootDelay:            record.RootDelay,
			Poll:                 record.Poll,
			RootDispersion:       record.RootDisp,
			ASN:                  info.ASN,
			NtpLastSyncTime:      record.RefTime,
			Leap:                 record.Leap,
			Jitter:               ntptime.Jitter(offsets),
			NrMeasurementsJitter: len(offsets),
		}
		v.NtpServerLocation.IPIsAnycast = info.IPIsAnycast
		v.NtpServerLocation.CountryCode = info.CountryCode
		v.NtpServerLocation.Coordinates = [2]float64{info.CoordinatesLat, info.CoordinatesLon}
		out = append(out, v)
	}

	if len(out) == 0 {
		http.Error(w, "Server is not reachable.", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurement": out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	server := sanitizeString(r.URL.Query().Get("server"))
	if server == "" {
		http.Error(w, "Either 'ip' or 'domain name' must be provided", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "Invalid 'start' timestamp", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "Invalid 'end' timestamp", http.StatusBadRequest)
		return
	}
	if !start.Before(end) {
		http.Error(w, "'start' must be earlier than 'end'", http.StatusBadRequest)
		return
	}
	if end.After(time.Now().UTC()) {
		http.Error(w, "'end' cannot be in the future", http.StatusBadRequest)
		return
	}

	views, err := s.store.HistoryViews(server, ipFamily(server) != 0, start, end)
	if err != nil {
		http.Error(w, "There was an error with accessing the database: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurements": views})
}

// handleTrigger starts a composite measurement and answers with the
// polling id before any probing happens.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	req := s.decodeRequest(w, r)
	if req == nil {
		return
	}
	if req.Server == "" {
		http.Error(w, "Either an 'ip' or a 'dn' must be provided.", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	settings, err := settingsFromRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if settings.CustomClientIP == "" {
		clientIP := s.clientIP(r, settings.WantedIPType)
		if clientIP == "" {
			http.Error(w, "Could not retrieve the client IP address.", http.StatusServiceUnavailable)
			return
		}
		settings.CustomClientIP = clientIP
	}

	ctx, cancel := s.probeCtx()
	prefix, id, err := s.orch.StartMeasurement(ctx, req.Server, settings)
	cancel()
	if err != nil {
		if errors.Is(err, dnsres.ErrNoAddresses) {
			http.Error(w, "Domain name is invalid or cannot be resolved.", http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     fmt.Sprintf("%s%d", prefix, id),
		"status": db.StatusPending,
	})
}

var measurementIDPattern = regexp.MustCompile(`^(ip|dn)(\d+)$`)

func parseMeasurementID(raw string) (kind string, id int64, ok bool) {
	m := measurementIDPattern.FindStringSubmatch(sanitizeString(raw))
	if m == nil {
		return "", 0, false
	}
	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return m[1], id, true
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := parseMeasurementID(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, `Invalid measurement ID. It should start with "ip" or "dn"`, http.StatusBadRequest)
		return
	}

	var (
		view any
		err  error
	)
	if kind == db.KindDN {
		view, err = s.store.FullDNView(id)
	} else {
		view, err = s.store.FullIPView(id, false)
	}
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Measurement not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePartialResults(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := parseMeasurementID(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, `Invalid measurement ID. It should start with "ip" or "dn"`, http.StatusBadRequest)
		return
	}

	var (
		view any
		err  error
	)
	if kind == db.KindDN {
		view, err = s.store.PartialDNView(id)
	} else {
		view, err = s.store.PartialIPView(id, false)
	}
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Measurement not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid measurement ID.", http.StatusBadRequest)
		return
	}
	view, err := s.store.VersionsView(id)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "NTP versions measurement not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleServerDetails(w http.ResponseWriter, r *http.Request) {
	ipType, err := strconv.Atoi(chi.URLParam(r, "ipType"))
	if err != nil || (ipType != 4 && ipType != 6) {
		ipType = 4
	}
	vantage := s.vantageIPAnyFamily(ipType)
	lat, lon := s.geo.CoordinatesForIP(vantage)
	writeJSON(w, http.StatusOK, map[string]any{
		"vantage_point_ip": vantage,
		"vantage_point_location": map[string]any{
			"country_code": s.geo.CountryForIP(vantage),
			"coordinates":  [2]float64{lat, lon},
		},
		"ripe_message":     "You can fetch ripe results at /measurements/ripe/{measurement_id}",
		"ntpv_message":     "You can fetch ntp versions analysis results at /measurements/ntp_versions/{id}",
		"full_ntp_message": "You can fetch full ntp results at /measurements/results/{id}",
	})
}

// handleNTS performs a standalone NTS probe; per-IP targets skip the
// certificate name check and say so.
func (s *Server) handleNTS(w http.ResponseWriter, r *http.Request) {
	req := s.decodeRequest(w, r)
	if req == nil {
		return
	}
	if req.Server == "" {
		http.Error(w, "Either 'ip' or 'dn' must be provided.", http.StatusBadRequest)
		return
	}

	wanted := 4
	if req.IPv6Measurement {
		wanted = 6
	}
	if family := ipFamily(req.Server); family != 0 {
		wanted = family
	}

	ctx, cancel := s.probeCtx()
	defer cancel()

	var (
		rec *probe.NTSRecord
		err error
	)
	if ipFamily(req.Server) != 0 {
		rec, err = s.probes.ProbeNTSOnIP(ctx, req.Server)
		if rec != nil {
			rec.Warning = "NTS measurements on IPs cannot check TLS certificate."
		}
	} else {
		rec, err = s.probes.ProbeNTS(ctx, req.Server, wanted)
	}
	if err != nil {
		rec = &probe.NTSRecord{Host: req.Server, Analysis: probe.FailureText(err)}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRipeTrigger(w http.ResponseWriter, r *http.Request) {
	req := s.decodeRequest(w, r)
	if req == nil {
		return
	}
	if req.Server == "" {
		http.Error(w, "Either 'ip' or 'dn' must be provided", http.StatusBadRequest)
		return
	}

	wanted := 4
	if req.IPv6Measurement {
		wanted = 6
	}
	if family := ipFamily(req.Server); family != 0 {
		wanted = family
	}

	clientIP := s.clientIP(r, wanted)
	if clientIP == "" {
		http.Error(w, "Could not retrieve the client IP address.", http.StatusServiceUnavailable)
		return
	}

	opts := ripe.ScheduleOptions{
		ClientIP:       clientIP,
		IPFamily:       wanted,
		ResolveOnProbe: ipFamily(req.Server) == 0,
	}
	if req.CustomProbesASN != nil {
		opts.ASN = *req.CustomProbesASN
	}
	if req.CustomProbesCountry != nil {
		opts.Country = *req.CustomProbesCountry
	}

	ctx, cancel := s.probeCtx()
	defer cancel()
	measurementID, err := s.ripe.Schedule(ctx, req.Server, opts)
	if err != nil {
		var rerr *ripe.Error
		if errors.As(err, &rerr) {
			http.Error(w, "Ripe measurement initiated, but it failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, "Failed to initiate measurement: "+err.Error(), http.StatusInternalServerError)
		return
	}

	vantage := s.vantageIPAnyFamily(wanted)
	lat, lon := s.geo.CoordinatesForIP(vantage)
	writeJSON(w, http.StatusOK, map[string]any{
		"measurement_id":   measurementID,
		"vantage_point_ip": vantage,
		"vantage_point_location": map[string]any{
			"country_code": s.geo.CountryForIP(vantage),
			"coordinates":  [2]float64{lat, lon},
		},
		"status":  "started",
		"message": "You can fetch the result at /measurements/ripe/{measurement_id}",
	})
}

func (s *Server) handleRipeFetch(w http.ResponseWriter, r *http.Request) {
	measurementID, err := strconv.ParseInt(chi.URLParam(r, "measurementID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid measurement ID.", http.StatusBadRequest)
		return
	}

	ctx, cancel := s.probeCtx()
	defer cancel()
	results, status, err := s.ripe.Fetch(ctx, measurementID)
	if err != nil {
		var rerr *ripe.Error
		if errors.As(err, &rerr) {
			http.Error(w, "RIPE call failed: "+err.Error()+". Try again later!", http.StatusMethodNotAllowed)
			return
		}
		http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if len(results) == 0 {
		writeJSON(w, http.StatusAccepted, "Measurement is still being processed.")
		return
	}
	switch status {
	case ripe.StatusComplete:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "complete",
			"message":        "Measurement has been completed.",
			"results":        results,
			"offset_summary": ripe.Summarize(results),
		})
	case ripe.StatusOngoing:
		writeJSON(w, http.StatusPartialContent, map[string]any{
			"status":         "partial_results",
			"message":        "Measurement is still in progress. These are partial results.",
			"results":        results,
			"offset_summary": ripe.Summarize(results),
		})
	default:
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"status":  "timeout",
			"message": "RIPE data likely completed but incomplete probe responses.",
		})
	}
}
