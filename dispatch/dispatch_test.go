package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ocsp-observatory/ocspdash/app"
	"github.com/ocsp-observatory/ocspdash/probe"
	"github.com/ocsp-observatory/ocspdash/store/models"
	"github.com/ocsp-observatory/ocspdash/vantage"
)

type fakeProber struct {
	m sync.Mutex
	// outcome per responder id; missing ids probe clean
	outcomes map[uint]probe.Outcome
	calls    int
}

func (f *fakeProber) Probe(ctx context.Context, loc *vantage.Location, t probe.Target) probe.Outcome {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls++
	if o, ok := f.outcomes[t.ResponderID]; ok {
		return o
	}
	return probe.Outcome{
		Retrieved:   time.Now(),
		CertStatus:  probe.CertGood,
		IssuerMatch: true,
	}
}

type fakeSink struct {
	m       sync.Mutex
	results []*models.Result
	err     error
	calls   int
}

func (f *fakeSink) Append(res *models.Result) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, res)
	return nil
}

type fakeErrLog struct {
	m     sync.Mutex
	calls int
}

func (f *fakeErrLog) Log(err error, opts app.LogOptions) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls++
}

func jobs(locations, targets int) []Job {
	var res []Job
	for l := 0; l < locations; l++ {
		loc := vantage.Local("loc")
		for t := 0; t < targets; t++ {
			res = append(res, Job{
				Location:   loc,
				LocationID: uint(l + 1),
				Target: probe.Target{
					ResponderID: uint(t + 1),
					ChainID:     uint(t + 1),
				},
			})
		}
	}
	return res
}

func TestRunEveryJobYieldsResult(t *testing.T) {
	prober := &fakeProber{}
	sink := &fakeSink{}
	d := New(prober, sink, &fakeErrLog{}, DefaultOpts)

	js := jobs(3, 5)
	stats := d.Run(context.Background(), js)

	if stats.Total() != len(js) {
		t.Fatalf("expected %d results, but got %d", len(js), stats.Total())
	}
	if stats.Good != len(js) {
		t.Fatalf("expected all results to be good, but got %d of %d", stats.Good, len(js))
	}
	if len(sink.results) != len(js) {
		t.Fatalf("expected %d persisted results, but got %d", len(js), len(sink.results))
	}
}

func TestRunClassifies(t *testing.T) {
	prober := &fakeProber{
		outcomes: map[uint]probe.Outcome{
			1: {Retrieved: time.Now(), Failure: probe.LayerNetwork, Err: errors.New("connection refused")},
			2: {Retrieved: time.Now(), CertStatus: probe.CertGood, IssuerMatch: false},
		},
	}
	sink := &fakeSink{}
	d := New(prober, sink, &fakeErrLog{}, DefaultOpts)

	stats := d.Run(context.Background(), jobs(1, 3))

	if stats.Bad != 1 {
		t.Fatalf("expected 1 bad result, but got %d", stats.Bad)
	}
	if stats.Questionable != 1 {
		t.Fatalf("expected 1 questionable result, but got %d", stats.Questionable)
	}
	if stats.Good != 1 {
		t.Fatalf("expected 1 good result, but got %d", stats.Good)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := &fakeProber{}
	sink := &fakeSink{}
	d := New(prober, sink, &fakeErrLog{}, DefaultOpts)

	js := jobs(2, 4)
	stats := d.Run(ctx, js)

	// cancelled jobs still account for a result each
	if stats.Total() != len(js) {
		t.Fatalf("expected %d results after cancellation, but got %d", len(js), stats.Total())
	}
	if stats.Bad != len(js) {
		t.Fatalf("expected all cancelled jobs to be bad, but got %d of %d", stats.Bad, len(js))
	}
}

func TestRunRetriesAppends(t *testing.T) {
	prober := &fakeProber{}
	sink := &fakeSink{err: errors.New("database is down")}
	errLog := &fakeErrLog{}

	opts := DefaultOpts
	opts.AppendRetries = 2
	opts.AppendBackoff = time.Millisecond
	d := New(prober, sink, errLog, opts)

	stats := d.Run(context.Background(), jobs(1, 1))

	if stats.AppendFailures != 1 {
		t.Fatalf("expected 1 append failure, but got %d", stats.AppendFailures)
	}
	if expected := opts.AppendRetries + 1; sink.calls != expected {
		t.Fatalf("expected %d append attempts, but got %d", expected, sink.calls)
	}
	if errLog.calls != 1 {
		t.Fatalf("expected the append failure to be logged once, but got %d", errLog.calls)
	}
}

// answers instantly from healthy locations and never from the stuck one
type stuckProber struct{}

func (f *stuckProber) Probe(ctx context.Context, loc *vantage.Location, t probe.Target) probe.Outcome {
	if loc.Name == "stuck" {
		<-ctx.Done()
		return probe.Outcome{
			Retrieved: time.Now(),
			Failure:   probe.LayerNetwork,
			Err:       ctx.Err(),
		}
	}
	return probe.Outcome{
		Retrieved:   time.Now(),
		CertStatus:  probe.CertGood,
		IssuerMatch: true,
	}
}

func TestRunIsolatesUnreachableLocation(t *testing.T) {
	sink := &fakeSink{}

	opts := DefaultOpts
	opts.ProbeTimeout = 50 * time.Millisecond
	d := New(&stuckProber{}, sink, &fakeErrLog{}, opts)

	var js []Job
	stuck, healthy := vantage.Local("stuck"), vantage.Local("healthy")
	for i := 0; i < 4; i++ {
		js = append(js,
			Job{Location: stuck, LocationID: 1, Target: probe.Target{ResponderID: uint(i + 1)}},
			Job{Location: healthy, LocationID: 2, Target: probe.Target{ResponderID: uint(i + 1)}},
		)
	}

	stats := d.Run(context.Background(), js)

	// the unreachable location must not keep the rest from finishing
	if stats.Good != 4 {
		t.Fatalf("expected 4 good results from the healthy location, but got %d", stats.Good)
	}
	if stats.Bad != 4 {
		t.Fatalf("expected 4 bad results from the stuck location, but got %d", stats.Bad)
	}
	if len(sink.results) != len(js) {
		t.Fatalf("expected %d persisted results, but got %d", len(js), len(sink.results))
	}
	for _, res := range sink.results {
		if res.LocationID == 1 && res.Status != "bad" {
			t.Fatalf("expected the stuck location's results to be bad, but got '%s'", res.Status)
		}
		if res.LocationID == 2 && res.Status != "good" {
			t.Fatalf("expected the healthy location's results to be good, but got '%s'", res.Status)
		}
	}
}

// tracks the highest number of concurrently running probes
type countingProber struct {
	m       sync.Mutex
	current int
	max     int
}

func (f *countingProber) Probe(ctx context.Context, loc *vantage.Location, t probe.Target) probe.Outcome {
	f.m.Lock()
	f.current++
	if f.current > f.max {
		f.max = f.current
	}
	f.m.Unlock()

	time.Sleep(10 * time.Millisecond)

	f.m.Lock()
	f.current--
	f.m.Unlock()

	return probe.Outcome{
		Retrieved:   time.Now(),
		CertStatus:  probe.CertGood,
		IssuerMatch: true,
	}
}

func TestRunHonorsPerLocationCeiling(t *testing.T) {
	prober := &countingProber{}

	opts := DefaultOpts
	opts.PerLocation = 2
	d := New(prober, &fakeSink{}, &fakeErrLog{}, opts)

	d.Run(context.Background(), jobs(1, 12))

	if prober.max > 2 {
		t.Fatalf("expected at most 2 concurrent probes per location, but saw %d", prober.max)
	}
}

func TestRunHonorsGlobalCeiling(t *testing.T) {
	prober := &countingProber{}

	opts := DefaultOpts
	opts.GlobalCeiling = 3
	opts.PerLocation = 4
	d := New(prober, &fakeSink{}, &fakeErrLog{}, opts)

	d.Run(context.Background(), jobs(4, 6))

	if prober.max > 3 {
		t.Fatalf("expected at most 3 concurrent probes in flight, but saw %d", prober.max)
	}
}

func TestRunOnResult(t *testing.T) {
	var m sync.Mutex
	seen := 0

	opts := DefaultOpts
	opts.OnResult = func(res *models.Result) {
		m.Lock()
		seen++
		m.Unlock()
	}
	d := New(&fakeProber{}, &fakeSink{}, &fakeErrLog{}, opts)

	js := jobs(2, 3)
	d.Run(context.Background(), js)

	if seen != len(js) {
		t.Fatalf("expected the callback for each of the %d jobs, but got %d", len(js), seen)
	}
}
