package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/ocsp-observatory/ocspdash/api"
	"github.com/ocsp-observatory/ocspdash/probe"
	"github.com/ocsp-observatory/ocspdash/vantage"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

// PEM-encoded EC private key identifying this agent towards the server
const AgentKeyEnv = "OCSPDASH_AGENT_KEY"

type manifestEntry struct {
	ResponderID uint   `json:"responder_id"`
	ChainID     uint   `json:"chain_id"`
	Url         string `json:"url"`
	Subject     []byte `json:"subject"`
	Issuer      []byte `json:"issuer"`
}

func fetchManifest(ctx context.Context, server string) ([]manifestEntry, error) {
	req, err := http.NewRequest(http.MethodGet, server+"/api/v0/manifest", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code while fetching manifest: %d", resp.StatusCode)
	}

	var entries []manifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func payload(o probe.Outcome, e manifestEntry) api.ResultPayload {
	p := api.ResultPayload{
		ResponderID: e.ResponderID,
		ChainID:     e.ChainID,
		Retrieved:   o.Retrieved.Format(time.RFC3339),
		PingMs:      ms(o.PingRTT),
		OcspMs:      ms(o.OcspRTT),
		Failure:     o.Failure.String(),
		CertStatus:  o.CertStatus.String(),
		IssuerMatch: o.IssuerMatch,
		Detail:      o.Detail(),
	}
	if !o.NextUpdate.IsZero() {
		p.NextUpdate = o.NextUpdate.Format(time.RFC3339)
	}
	return p
}

func ms(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := float64(*d) / float64(time.Millisecond)
	return &v
}

func submit(ctx context.Context, server, token string) error {
	req, err := http.NewRequest(http.MethodPost, server+"/api/v0/results", strings.NewReader(token))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/jwt")

	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code while submitting results: %d (%s)", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func main() {
	ctx := context.Background()

	server := flag.String("server", "http://localhost:8080", "base URL of the dashboard server")
	name := flag.String("name", "", "name this agent is registered under")
	timeout := flag.Duration("timeout", 10*time.Second, "timeout of a single probe")
	flag.Parse()

	if *name == "" {
		log.Fatal().Msgf("missing agent name")
	}

	pem := os.Getenv(AgentKeyEnv)
	if pem == "" {
		log.Fatal().Msgf("environment variable '%s' is not set", AgentKeyEnv)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		log.Fatal().Msgf("error while parsing agent key: %s", err)
	}

	entries, err := fetchManifest(ctx, *server)
	if err != nil {
		log.Fatal().Msgf("error while fetching manifest: %s", err)
	}
	log.Info().Msgf("probing %d responders", len(entries))

	loc := vantage.Local(*name)
	prober := &probe.Prober{Timeout: *timeout}

	p := mpb.New()
	bar := p.AddBar(int64(len(entries)),
		mpb.PrependDecorators(
			decor.Name("probing"),
			decor.CountersNoUnit(" %d / %d"),
		),
	)

	results := make([]api.ResultPayload, 0, len(entries))
	for _, e := range entries {
		probeCtx, cancel := context.WithTimeout(ctx, *timeout)
		o := prober.Probe(probeCtx, loc, probe.Target{
			ResponderID: e.ResponderID,
			ChainID:     e.ChainID,
			Url:         e.Url,
			Subject:     e.Subject,
			Issuer:      e.Issuer,
		})
		cancel()

		results = append(results, payload(o, e))
		bar.Increment()
	}
	p.Wait()

	token, err := api.Sign(results, key)
	if err != nil {
		log.Fatal().Msgf("error while signing results: %s", err)
	}
	if err := submit(ctx, *server, token); err != nil {
		log.Fatal().Msgf("error while submitting results: %s", err)
	}
	log.Info().Msgf("submitted %d results", len(results))
}
