package classify

import (
	"time"

	"github.com/ocsp-observatory/ocspdash/probe"
)

// Status is the tri-state health verdict of a responder test.
type Status int

const (
	Good Status = iota
	Questionable
	Bad
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	}
	return "bad"
}

type Opts struct {
	// a responder whose nextUpdate is in the past by at most this much is
	// still considered current
	NextUpdateGrace time.Duration
}

var DefaultOpts = Opts{
	NextUpdateGrace: 0,
}

// Classify reduces a probe outcome to a health status. Rules are applied
// in order and the first match wins; any doubt about the trustworthiness
// of the signed assertion downgrades the verdict.
func Classify(o probe.Outcome, opts Opts) Status {
	switch o.Failure {
	case probe.LayerNetwork, probe.LayerHTTP, probe.LayerProtocol:
		return Bad
	}

	switch o.CertStatus {
	case probe.CertRevoked, probe.CertUnknown:
		return Bad
	}

	if !o.IssuerMatch {
		return Questionable
	}

	if !o.NextUpdate.IsZero() && o.Retrieved.After(o.NextUpdate.Add(opts.NextUpdateGrace)) {
		return Questionable
	}

	return Good
}
