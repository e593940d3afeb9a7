package censys

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultApiUrl = "https://censys.io/api/v1"
	defaultRate   = 0.2
)

type HttpErr struct {
	Code int
}

func (err *HttpErr) Error() string {
	return fmt.Sprintf("certificate search failed: status code %d", err.Code)
}

type Credentials struct {
	ApiID  string `yaml:"api-id"`
	Secret string `yaml:"secret"`
}

type Config struct {
	Creds Credentials `yaml:"credentials"`
	Url   string      `yaml:"url"`
	// maximum number of API requests per second
	Rate     float64 `yaml:"rate"`
	MaxPages int     `yaml:"max-pages"`
}

// Bucket is one key of an aggregation report, with the number of
// certificates observed under it.
type Bucket struct {
	Key   string
	Count int
}

// Record is a raw certificate record returned by a search.
type Record struct {
	Raw        []byte
	IssuerURLs []string
}

type Client interface {
	// top authorities by certificate count, keyed by issuer organization
	ReportAuthorities(ctx context.Context, buckets int) ([]Bucket, error)
	// OCSP urls in use by an issuer, with per-url certificate counts
	ReportOCSPURLs(ctx context.Context, issuer string) ([]Bucket, error)
	// raw certificate records chaining to the authority key id
	Search(ctx context.Context, authorityKeyID string) ([]Record, error)
}

// limiter enforces a minimum interval between calls into the external
// API; it is the only throttle protecting the account's rate budget.
type limiter struct {
	m        sync.Mutex
	interval time.Duration
	last     time.Time
}

func (l *limiter) wait() {
	l.m.Lock()
	defer l.m.Unlock()
	sleep := l.interval - time.Since(l.last)
	if sleep > 0 {
		log.Debug().Msgf("throttling certificate search for %s", sleep)
		time.Sleep(sleep)
	}
	l.last = time.Now()
}

type client struct {
	conf       Config
	httpClient *http.Client
	lim        *limiter
}

func NewClient(conf Config) Client {
	if conf.Url == "" {
		conf.Url = defaultApiUrl
	}
	rate := conf.Rate
	if rate <= 0 {
		rate = defaultRate
	}
	return &client{
		conf:       conf,
		httpClient: &http.Client{},
		lim: &limiter{
			interval: time.Duration(float64(time.Second) / rate),
		},
	}
}

func (c *client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	c.lim.wait()

	marshalled, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", c.conf.Url+path, bytes.NewBuffer(marshalled))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.conf.Creds.ApiID, c.conf.Creds.Secret)
	req = req.WithContext(ctx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return &HttpErr{resp.StatusCode}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type reportRequest struct {
	Query   string `json:"query"`
	Field   string `json:"field"`
	Buckets int    `json:"buckets,omitempty"`
}

type reportResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Key      string `json:"key"`
		DocCount int    `json:"doc_count"`
	} `json:"results"`
}

func (c *client) report(ctx context.Context, req reportRequest) ([]Bucket, error) {
	var resp reportResponse
	if err := c.post(ctx, "/report/certificates", req, &resp); err != nil {
		return nil, errors.Wrap(err, "certificate report")
	}
	buckets := make([]Bucket, 0, len(resp.Results))
	for _, res := range resp.Results {
		buckets = append(buckets, Bucket{Key: res.Key, Count: res.DocCount})
	}
	return buckets, nil
}

func (c *client) ReportAuthorities(ctx context.Context, buckets int) ([]Bucket, error) {
	return c.report(ctx, reportRequest{
		Query:   "validation.nss.valid: true",
		Field:   "parsed.issuer.organization",
		Buckets: buckets,
	})
}

func (c *client) ReportOCSPURLs(ctx context.Context, issuer string) ([]Bucket, error) {
	return c.report(ctx, reportRequest{
		Query: fmt.Sprintf("validation.nss.valid: true AND parsed.issuer.organization: %q", issuer),
		Field: "parsed.extensions.authority_info_access.ocsp_urls",
	})
}

type searchRequest struct {
	Query  string   `json:"query"`
	Page   int      `json:"page"`
	Fields []string `json:"fields"`
}

type searchResponse struct {
	Status   string                   `json:"status"`
	Results  []map[string]interface{} `json:"results"`
	Metadata struct {
		Pages int `json:"pages"`
	} `json:"metadata"`
}

func strSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var res []string
	for _, e := range list {
		if s, ok := e.(string); ok {
			res = append(res, s)
		}
	}
	return res
}

func (c *client) Search(ctx context.Context, authorityKeyID string) ([]Record, error) {
	maxPages := c.conf.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var records []Record
	for page := 1; ; page++ {
		req := searchRequest{
			Query: fmt.Sprintf("validation.nss.valid: true AND parsed.extensions.authority_key_id: %s", authorityKeyID),
			Page:  page,
			Fields: []string{
				"raw",
				"parsed.extensions.authority_info_access.issuer_urls",
			},
		}
		var resp searchResponse
		if err := c.post(ctx, "/search/certificates", req, &resp); err != nil {
			return nil, errors.Wrap(err, "certificate search")
		}

		for _, res := range resp.Results {
			rawStr, ok := res["raw"].(string)
			if !ok {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(rawStr)
			if err != nil {
				log.Debug().Msgf("skipping record with invalid base64 payload: %s", err)
				continue
			}
			records = append(records, Record{
				Raw:        raw,
				IssuerURLs: strSlice(res["parsed.extensions.authority_info_access.issuer_urls"]),
			})
		}

		if page >= resp.Metadata.Pages || page >= maxPages {
			break
		}
	}
	return records, nil
}
