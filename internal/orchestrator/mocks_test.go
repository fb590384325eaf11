package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"timetrace/internal/probe"
	"timetrace/internal/ripe"
)

// fakeRunner implements probe.Runner with canned results.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string

	ntpRecord *probe.Record
	ntpErr    error

	sweep    probe.Sweep
	sweepErr error

	nts    *probe.NTSRecord
	ntsErr error

	ntsIP    *probe.NTSRecord
	ntsIPErr error
}

func (f *fakeRunner) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRunner) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRunner) ProbeNTP(ctx context.Context, target, version, draft string) (*probe.Record, error) {
	f.record("ntp:" + target + ":" + version)
	return f.ntpRecord, f.ntpErr
}

func (f *fakeRunner) ProbeAllVersions(ctx context.Context, target, draft string) (probe.Sweep, error) {
	f.record("all:" + target)
	return f.sweep, f.sweepErr
}

func (f *fakeRunner) ProbeNTS(ctx context.Context, target string, ipFamily int) (*probe.NTSRecord, error) {
	f.record("nts:" + target)
	return f.nts, f.ntsErr
}

func (f *fakeRunner) ProbeNTSOnIP(ctx context.Context, targetIP string) (*probe.NTSRecord, error) {
	f.record("nts-ip:" + targetIP)
	return f.ntsIP, f.ntsIPErr
}

// fakeRipe implements ripe.Client.
type fakeRipe struct {
	mu        sync.Mutex
	schedules int
	id        int64
	err       error
}

func (f *fakeRipe) Schedule(ctx context.Context, target string, opts ripe.ScheduleOptions) (int64, error) {
	f.mu.Lock()
	f.schedules++
	f.mu.Unlock()
	return f.id, f.err
}

func (f *fakeRipe) Fetch(ctx context.Context, measurementID int64) ([]ripe.ProbeResult, ripe.Status, error) {
	return nil, ripe.StatusPending, nil
}

func (f *fakeRipe) scheduleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules
}

// fakeResolver implements dnsres.Resolver.
type fakeResolver struct {
	ips []string
	err error
}

func (f *fakeResolver) LookupIPs(ctx context.Context, host string, family int) ([]string, error) {
	return f.ips, f.err
}

// fakeGeo implements geo.Resolver.
type fakeGeo struct{}

func (fakeGeo) CountryForIP(ip string) string                { return "NL" }
func (fakeGeo) CoordinatesForIP(ip string) (float64, float64) { return 52.0, 4.3 }
func (fakeGeo) ASNForIP(ip string) string                    { return "1140" }
func (fakeGeo) IsAnycast(ip string) bool                     { return false }
func (fakeGeo) ContinentForIP(ip string) string              { return "EU" }

// recordClock never actually sleeps but remembers every sleep request,
// so pacing contracts are assertable without waiting.
type recordClock struct {
	clockwork.Clock
	mu     sync.Mutex
	sleeps []time.Duration
}

func newRecordClock() *recordClock {
	return &recordClock{Clock: clockwork.NewRealClock()}
}

func (c *recordClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
}

func (c *recordClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
