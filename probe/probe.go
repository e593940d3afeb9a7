package probe

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ocsp-observatory/ocspdash/vantage"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ocsp"
)

// Layer is the layer at which a probe failed, if any.
type Layer int

const (
	LayerNone Layer = iota
	LayerNetwork
	LayerHTTP
	LayerProtocol
)

func (l Layer) String() string {
	switch l {
	case LayerNetwork:
		return "network"
	case LayerHTTP:
		return "http"
	case LayerProtocol:
		return "protocol"
	}
	return "none"
}

// CertStatus is the certificate status asserted by a parsed and verified
// OCSP response.
type CertStatus int

const (
	CertGood CertStatus = iota
	CertRevoked
	CertUnknown
)

func (s CertStatus) String() string {
	switch s {
	case CertRevoked:
		return "revoked"
	case CertUnknown:
		return "unknown"
	}
	return "good"
}

type HttpErr struct {
	Code int
}

func (err *HttpErr) Error() string {
	return fmt.Sprintf("unexpected status code %d", err.Code)
}

// Target identifies one responder test: the endpoint URL and the DER
// certificates of the chain to build the request from.
type Target struct {
	ResponderID uint
	ChainID     uint
	Url         string
	Subject     []byte
	Issuer      []byte
}

type Outcome struct {
	Retrieved   time.Time
	PingRTT     *time.Duration
	OcspRTT     *time.Duration
	Failure     Layer
	Err         error
	HTTPStatus  int
	CertStatus  CertStatus
	ThisUpdate  time.Time
	NextUpdate  time.Time
	IssuerMatch bool
}

// Detail is the sub-reason stored alongside a classified result.
func (o *Outcome) Detail() string {
	switch o.Failure {
	case LayerNetwork:
		return fmt.Sprintf("network: %s", o.Err)
	case LayerHTTP:
		if o.HTTPStatus != 0 {
			return fmt.Sprintf("http: status code %d", o.HTTPStatus)
		}
		return fmt.Sprintf("http: %s", o.Err)
	case LayerProtocol:
		return fmt.Sprintf("protocol: %s", o.Err)
	}
	return o.CertStatus.String()
}

type Prober struct {
	Timeout time.Duration
}

func (p *Prober) fail(o Outcome, layer Layer, err error) Outcome {
	o.Failure = layer
	o.Err = err
	return o
}

// Probe executes a single OCSP test of a target from the network vantage
// of the given location. It never returns an error: every failure mode is
// captured in the outcome.
func (p *Prober) Probe(ctx context.Context, loc *vantage.Location, t Target) Outcome {
	o := Outcome{
		Retrieved: time.Now(),
	}

	subject, err := x509.ParseCertificate(t.Subject)
	if err != nil {
		return p.fail(o, LayerProtocol, errors.Wrap(err, "parse subject certificate"))
	}
	issuer, err := x509.ParseCertificate(t.Issuer)
	if err != nil {
		return p.fail(o, LayerProtocol, errors.Wrap(err, "parse issuer certificate"))
	}

	u, err := url.Parse(t.Url)
	if err != nil {
		return p.fail(o, LayerProtocol, errors.Wrap(err, "parse responder url"))
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	addr := net.JoinHostPort(u.Hostname(), port)
	if loc.ResolverAddr() != "" {
		// resolve from the vantage point; on failure fall back to the
		// hostname, which the remote end resolves when dialing
		if ips, err := loc.Resolve(u.Hostname(), p.Timeout); err == nil {
			addr = net.JoinHostPort(ips[0].String(), port)
		}
	}

	start := time.Now()
	conn, err := p.dial(ctx, loc, "tcp", addr)
	if err != nil {
		return p.fail(o, LayerNetwork, err)
	}
	ping := time.Since(start)
	conn.Close()
	o.PingRTT = &ping

	reqDer, err := ocsp.CreateRequest(subject, issuer, nil)
	if err != nil {
		return p.fail(o, LayerProtocol, errors.Wrap(err, "build ocsp request"))
	}

	c, err := loc.HttpClient()
	if err != nil {
		return p.fail(o, LayerNetwork, err)
	}

	httpReq, err := http.NewRequest("POST", t.Url, bytes.NewReader(reqDer))
	if err != nil {
		return p.fail(o, LayerProtocol, errors.Wrap(err, "build http request"))
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")
	httpReq = httpReq.WithContext(ctx)

	start = time.Now()
	resp, err := c.Do(httpReq)
	if err != nil {
		return p.fail(o, LayerHTTP, err)
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return p.fail(o, LayerHTTP, err)
	}
	rtt := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.HTTPStatus = resp.StatusCode
		return p.fail(o, LayerHTTP, &HttpErr{resp.StatusCode})
	}
	o.OcspRTT = &rtt
	o.Retrieved = time.Now()

	parsed, err := ocsp.ParseResponseForCert(raw, subject, issuer)
	if err != nil {
		return p.fail(o, LayerProtocol, err)
	}

	switch parsed.Status {
	case ocsp.Revoked:
		o.CertStatus = CertRevoked
	case ocsp.Unknown:
		o.CertStatus = CertUnknown
	default:
		o.CertStatus = CertGood
	}
	o.ThisUpdate = parsed.ThisUpdate
	o.NextUpdate = parsed.NextUpdate
	o.IssuerMatch = matchesIssuer(parsed, issuer)

	return o
}

type dialRes struct {
	conn net.Conn
	err  error
}

// dial through the location, bounded by the probe context; the location
// dialer itself has no context support.
func (p *Prober) dial(ctx context.Context, loc *vantage.Location, network, addr string) (net.Conn, error) {
	ch := make(chan dialRes, 1)
	go func() {
		conn, err := loc.Dial(network, addr)
		ch <- dialRes{conn, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

// the responder identity matches when the response names the issuer as
// responder, either by subject or by key hash
func matchesIssuer(resp *ocsp.Response, issuer *x509.Certificate) bool {
	if len(resp.RawResponderName) > 0 {
		return bytes.Equal(resp.RawResponderName, issuer.RawSubject)
	}
	if len(resp.ResponderKeyHash) > 0 {
		h, err := keyHash(issuer)
		if err != nil {
			return false
		}
		return bytes.Equal(resp.ResponderKeyHash, h)
	}
	return false
}

func keyHash(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, err
	}
	h := sha1.Sum(spki.PublicKey.RightAlign())
	return h[:], nil
}
