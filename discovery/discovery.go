package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"

	"github.com/google/certificate-transparency-go/x509"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ocsp-observatory/ocspdash/censys"
	errs "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

var (
	NoIssuerErr = errors.New("no issuer certificate could be retrieved")
)

// Discovery is one (responder url, chain) pair surfaced for an authority.
type Discovery struct {
	Url         string
	Domain      string
	Subject     []byte
	Issuer      []byte
	Fingerprint string
}

// Fingerprint is the content hash identifying a chain; byte-identical
// certificate sets always hash to the same value.
func Fingerprint(subject, issuer []byte) string {
	h := sha256.New()
	h.Write(subject)
	h.Write(issuer)
	return hex.EncodeToString(h.Sum(nil))
}

type Engine struct {
	intel       censys.Client
	httpClient  *http.Client
	issuerCache *lru.Cache
}

func NewEngine(intel censys.Client, issuerCacheSize int) (*Engine, error) {
	c, err := lru.New(issuerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		intel:       intel,
		httpClient:  &http.Client{},
		issuerCache: c,
	}, nil
}

// Discover produces the deduplicated (responder url, chain) pairs of an
// authority, identified by its public-key id. Malformed certificates are
// skipped and counted; an authority without OCSP-bearing intermediates
// yields an empty set, not an error.
func (e *Engine) Discover(ctx context.Context, authorityKeyID string) ([]Discovery, error) {
	records, err := e.intel.Search(ctx, authorityKeyID)
	if err != nil {
		return nil, errs.Wrap(err, "search certificates")
	}

	seen := map[string]struct{}{}
	var res []Discovery
	malformed := 0

	for _, rec := range records {
		cert, err := x509.ParseCertificate(rec.Raw)
		if err != nil && x509.IsFatal(err) {
			malformed++
			continue
		}
		if len(cert.OCSPServer) == 0 {
			continue
		}

		issuerURLs := rec.IssuerURLs
		if len(issuerURLs) == 0 {
			issuerURLs = cert.IssuingCertificateURL
		}
		issuerRaw, err := e.fetchIssuer(ctx, issuerURLs)
		if err != nil {
			log.Debug().Msgf("no issuer certificate for %s: %s", authorityKeyID, err)
			continue
		}

		for _, u := range cert.OCSPServer {
			fp := Fingerprint(rec.Raw, issuerRaw)
			key := u + "|" + fp
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			res = append(res, Discovery{
				Url:         u,
				Domain:      registeredDomain(u),
				Subject:     rec.Raw,
				Issuer:      issuerRaw,
				Fingerprint: fp,
			})
		}
	}

	if malformed > 0 {
		log.Warn().Msgf("skipped %d malformed certificates for authority %s", malformed, authorityKeyID)
	}
	return res, nil
}

func registeredDomain(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	d, err := publicsuffix.Domain(u.Hostname())
	if err != nil {
		return u.Hostname()
	}
	return d
}

func (e *Engine) fetchIssuer(ctx context.Context, urls []string) ([]byte, error) {
	for _, u := range urls {
		if v, ok := e.issuerCache.Get(u); ok {
			return v.([]byte), nil
		}

		req, err := http.NewRequest("GET", u, nil)
		if err != nil {
			continue
		}
		req = req.WithContext(ctx)
		resp, err := e.httpClient.Do(req)
		if err != nil {
			log.Debug().Msgf("failed to download issuer certificate from %s: %s", u, err)
			continue
		}
		raw, err := func() ([]byte, error) {
			defer resp.Body.Close()
			if resp.StatusCode != 200 {
				return nil, fmt.Errorf("status code %d", resp.StatusCode)
			}
			return ioutil.ReadAll(resp.Body)
		}()
		if err != nil {
			log.Debug().Msgf("failed to download issuer certificate from %s: %s", u, err)
			continue
		}
		if _, err := x509.ParseCertificate(raw); err != nil && x509.IsFatal(err) {
			log.Debug().Msgf("issuer certificate from %s is malformed: %s", u, err)
			continue
		}

		e.issuerCache.Add(u, raw)
		return raw, nil
	}
	return nil, NoIssuerErr
}
