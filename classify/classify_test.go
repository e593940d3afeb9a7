package classify

import (
	"testing"
	"time"

	"github.com/ocsp-observatory/ocspdash/probe"
)

func TestClassify(t *testing.T) {
	now := time.Now()
	future := now.Add(7 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name     string
		outcome  probe.Outcome
		opts     Opts
		expected Status
	}{
		{
			name: "verified current response",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertGood,
				NextUpdate:  future,
				IssuerMatch: true,
			},
			opts:     DefaultOpts,
			expected: Good,
		},
		{
			name: "no nextUpdate at all",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertGood,
				IssuerMatch: true,
			},
			opts:     DefaultOpts,
			expected: Good,
		},
		{
			name: "network failure",
			outcome: probe.Outcome{
				Retrieved: now,
				Failure:   probe.LayerNetwork,
			},
			opts:     DefaultOpts,
			expected: Bad,
		},
		{
			name: "http failure",
			outcome: probe.Outcome{
				Retrieved:  now,
				Failure:    probe.LayerHTTP,
				HTTPStatus: 503,
			},
			opts:     DefaultOpts,
			expected: Bad,
		},
		{
			name: "protocol failure",
			outcome: probe.Outcome{
				Retrieved: now,
				Failure:   probe.LayerProtocol,
			},
			opts:     DefaultOpts,
			expected: Bad,
		},
		{
			name: "revoked subject",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertRevoked,
				NextUpdate:  future,
				IssuerMatch: true,
			},
			opts:     DefaultOpts,
			expected: Bad,
		},
		{
			name: "unknown subject",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertUnknown,
				NextUpdate:  future,
				IssuerMatch: true,
			},
			opts:     DefaultOpts,
			expected: Bad,
		},
		{
			name: "responder identity mismatch",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertGood,
				NextUpdate:  future,
				IssuerMatch: false,
			},
			opts:     DefaultOpts,
			expected: Questionable,
		},
		{
			name: "stale response",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertGood,
				NextUpdate:  past,
				IssuerMatch: true,
			},
			opts:     DefaultOpts,
			expected: Questionable,
		},
		{
			name: "stale response within grace",
			outcome: probe.Outcome{
				Retrieved:   now,
				CertStatus:  probe.CertGood,
				NextUpdate:  past,
				IssuerMatch: true,
			},
			opts:     Opts{NextUpdateGrace: 2 * time.Hour},
			expected: Good,
		},
		{
			name: "failure beats everything else",
			outcome: probe.Outcome{
				Retrieved:   now,
				Failure:     probe.LayerProtocol,
				CertStatus:  probe.CertGood,
				NextUpdate:  future,
				IssuerMatch: true,
			},
			opts:     DefaultOpts,
			expected: Bad,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			actual := Classify(test.outcome, test.opts)
			if actual != test.expected {
				t.Fatalf("expected status '%s', but got '%s'", test.expected, actual)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{Good, "good"},
		{Questionable, "questionable"},
		{Bad, "bad"},
	}
	for _, test := range tests {
		if test.status.String() != test.expected {
			t.Fatalf("expected '%s', but got '%s'", test.expected, test.status.String())
		}
	}
}
