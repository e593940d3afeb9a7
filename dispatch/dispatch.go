package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ocsp-observatory/ocspdash/app"
	"github.com/ocsp-observatory/ocspdash/classify"
	"github.com/ocsp-observatory/ocspdash/probe"
	"github.com/ocsp-observatory/ocspdash/store/models"
	"github.com/ocsp-observatory/ocspdash/vantage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Prober interface {
	Probe(ctx context.Context, loc *vantage.Location, t probe.Target) probe.Outcome
}

// Sink is the write boundary to persistence.
type Sink interface {
	Append(res *models.Result) error
}

// Job is one (location, responder) pair of a dispatch cycle.
type Job struct {
	Location   *vantage.Location
	LocationID uint
	Target     probe.Target
}

type Opts struct {
	// ceiling on in-flight probes across all locations
	GlobalCeiling int64
	// concurrent-connection budget of a single location
	PerLocation   int64
	ProbeTimeout  time.Duration
	ClassifyOpts  classify.Opts
	AppendRetries int
	AppendBackoff time.Duration
	// called after each persisted (or dropped) result
	OnResult func(*models.Result)
}

var DefaultOpts = Opts{
	GlobalCeiling: 64,
	PerLocation:   4,
	ProbeTimeout:  10 * time.Second,
	ClassifyOpts:  classify.DefaultOpts,
	AppendRetries: 3,
	AppendBackoff: 500 * time.Millisecond,
}

type Stats struct {
	Good           int
	Questionable   int
	Bad            int
	AppendFailures int
}

func (s *Stats) Total() int {
	return s.Good + s.Questionable + s.Bad
}

type Dispatcher struct {
	prober Prober
	sink   Sink
	errLog app.ErrLogger
	opts   Opts
}

func New(prober Prober, sink Sink, errLog app.ErrLogger, opts Opts) *Dispatcher {
	if opts.GlobalCeiling <= 0 {
		opts.GlobalCeiling = DefaultOpts.GlobalCeiling
	}
	if opts.PerLocation <= 0 {
		opts.PerLocation = DefaultOpts.PerLocation
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOpts.ProbeTimeout
	}
	if opts.AppendBackoff <= 0 {
		opts.AppendBackoff = DefaultOpts.AppendBackoff
	}
	return &Dispatcher{
		prober: prober,
		sink:   sink,
		errLog: errLog,
		opts:   opts,
	}
}

// Run executes one dispatch cycle: every job yields exactly one result,
// including jobs that failed, timed out or were cut short by cancelling
// the context. Run returns once all results are accounted for.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job) Stats {
	global := semaphore.NewWeighted(d.opts.GlobalCeiling)
	perLoc := map[uint]*semaphore.Weighted{}
	for _, j := range jobs {
		if _, ok := perLoc[j.LocationID]; !ok {
			perLoc[j.LocationID] = semaphore.NewWeighted(d.opts.PerLocation)
		}
	}

	var wg sync.WaitGroup
	var m sync.Mutex
	stats := Stats{}

	wg.Add(len(jobs))
	for _, j := range jobs {
		go func(j Job) {
			defer wg.Done()
			res, persisted := d.runJob(ctx, j, global, perLoc[j.LocationID])

			m.Lock()
			defer m.Unlock()
			switch res.Status {
			case classify.Good.String():
				stats.Good++
			case classify.Questionable.String():
				stats.Questionable++
			default:
				stats.Bad++
			}
			if !persisted {
				stats.AppendFailures++
			}
		}(j)
	}
	wg.Wait()

	log.Info().Msgf("dispatch cycle finished: %d good, %d questionable, %d bad", stats.Good, stats.Questionable, stats.Bad)
	return stats
}

func (d *Dispatcher) runJob(ctx context.Context, j Job, global, locSem *semaphore.Weighted) (*models.Result, bool) {
	o := d.probeJob(ctx, j, global, locSem)
	status := classify.Classify(o, d.opts.ClassifyOpts)

	res := &models.Result{
		ResponderID: j.Target.ResponderID,
		LocationID:  j.LocationID,
		ChainID:     j.Target.ChainID,
		Retrieved:   o.Retrieved,
		Status:      status.String(),
		Detail:      o.Detail(),
		PingMs:      ms(o.PingRTT),
		OcspMs:      ms(o.OcspRTT),
	}

	persisted := d.append(res)
	if d.opts.OnResult != nil {
		d.opts.OnResult(res)
	}
	return res, persisted
}

func (d *Dispatcher) probeJob(ctx context.Context, j Job, global, locSem *semaphore.Weighted) probe.Outcome {
	if err := locSem.Acquire(ctx, 1); err != nil {
		return abandoned(err)
	}
	defer locSem.Release(1)

	if err := global.Acquire(ctx, 1); err != nil {
		return abandoned(err)
	}
	defer global.Release(1)

	probeCtx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()
	return d.prober.Probe(probeCtx, j.Location, j.Target)
}

// a job cut short before its probe ran still terminates with an outcome
func abandoned(err error) probe.Outcome {
	return probe.Outcome{
		Retrieved: time.Now(),
		Failure:   probe.LayerNetwork,
		Err:       err,
	}
}

// persistence failures are retried with linear backoff and surfaced to
// the error logger; the result is never silently dropped before that.
func (d *Dispatcher) append(res *models.Result) bool {
	var err error
	for i := 0; i <= d.opts.AppendRetries; i++ {
		if err = d.sink.Append(res); err == nil {
			return true
		}
		time.Sleep(d.opts.AppendBackoff * time.Duration(i+1))
	}
	d.errLog.Log(err, app.LogOptions{
		Msg: "failed to persist result",
		Tags: map[string]string{
			"responder": strconv.Itoa(int(res.ResponderID)),
			"location":  strconv.Itoa(int(res.LocationID)),
		},
	})
	return false
}

func ms(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := float64(*d) / float64(time.Millisecond)
	return &v
}
