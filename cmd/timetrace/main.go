package main

import (
	"flag"
	"log"
	"net/http"

	"timetrace/internal/config"
	"timetrace/internal/db"
	"timetrace/internal/dnsres"
	"timetrace/internal/geo"
	"timetrace/internal/orchestrator"
	"timetrace/internal/probe"
	"timetrace/internal/ripe"
	"timetrace/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: timetrace.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Starting timetrace on port %d...", cfg.HTTPPort)
	log.Printf("Using database at %s", cfg.DBPath)

	dbConn, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Println("Database initialized successfully")
	defer dbConn.Close()

	geoRes, err := geo.Open(geo.Config{
		CityDB:    cfg.Geo.CityDB,
		CountryDB: cfg.Geo.CountryDB,
		ASNDB:     cfg.Geo.ASNDB,
		AnycastV4: cfg.Geo.AnycastV4,
		AnycastV6: cfg.Geo.AnycastV6,
	})
	if err != nil {
		log.Fatalf("Failed to open geo databases: %v", err)
	}
	defer geoRes.Close()

	runner := &probe.ToolRunner{Path: cfg.ProbeTool}
	resolver := dnsres.New()
	ripeClient := ripe.NewHTTPClient(cfg.Ripe.BaseURL, cfg.Ripe.APIKey, cfg.Ripe.Probes,
		&http.Client{Timeout: cfg.ProbeTimeout}, geoRes)

	orch := orchestrator.New(dbConn, runner, ripeClient, resolver, geoRes, cfg.QueueSize)
	orch.Pacing = cfg.PacingInterval
	orch.Politeness = cfg.PolitenessDelay
	orch.ProbeTimeout = cfg.ProbeTimeout
	orch.VantagePointIP = cfg.VantagePointV4
	orch.Start(cfg.Workers)
	defer orch.Stop()

	ws := web.New(cfg, dbConn, orch, runner, ripeClient, resolver, geoRes)
	log.Printf("Measurement workers: %d, probe tool: %s", cfg.Workers, cfg.ProbeTool)
	if err := ws.Start(); err != nil {
		log.Fatalf("Web server failed: %v", err)
	}
}
