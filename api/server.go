package api

import (
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ocsp-observatory/ocspdash/app"
	"github.com/ocsp-observatory/ocspdash/classify"
	"github.com/ocsp-observatory/ocspdash/probe"
	"github.com/ocsp-observatory/ocspdash/store"
	"github.com/ocsp-observatory/ocspdash/store/models"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Server struct {
	Conf         Config
	Store        *store.Store
	Log          app.ErrLogger
	ClassifyOpts classify.Opts
}

func (s *Server) Run(lis net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/manifest", s.handleManifest)
	mux.HandleFunc("/api/v0/results", s.handleResults)
	mux.HandleFunc("/api/v0/status", s.handleStatus)

	serv := &http.Server{
		Handler: mux,
	}

	log.Info().Msgf("running API server on %s", lis.Addr().String())
	return serv.Serve(lis)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Msgf("failed to write response: %s", err)
	}
}

type manifestEntry struct {
	ResponderID uint   `json:"responder_id"`
	ChainID     uint   `json:"chain_id"`
	Url         string `json:"url"`
	Subject     []byte `json:"subject"`
	Issuer      []byte `json:"issuer"`
}

// the manifest lists the probe jobs a remote agent is expected to run:
// every responder paired with its most recently discovered chain
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.Store.Manifest()
	if err != nil {
		s.Log.Log(err, app.LogOptions{Msg: "failed to read manifest"})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]manifestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, manifestEntry{
			ResponderID: e.ResponderID,
			ChainID:     e.ChainID,
			Url:         e.Url,
			Subject:     e.Subject,
			Issuer:      e.Issuer,
		})
	}
	writeJSON(w, out)
}

func layerFromString(s string) probe.Layer {
	switch s {
	case "network":
		return probe.LayerNetwork
	case "http":
		return probe.LayerHTTP
	case "protocol":
		return probe.LayerProtocol
	}
	return probe.LayerNone
}

func certStatusFromString(s string) probe.CertStatus {
	switch s {
	case "revoked":
		return probe.CertRevoked
	case "unknown":
		return probe.CertUnknown
	}
	return probe.CertGood
}

func durationFromMs(ms *float64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms * float64(time.Millisecond))
	return &d
}

func (p *ResultPayload) outcome() probe.Outcome {
	o := probe.Outcome{
		Failure:     layerFromString(p.Failure),
		CertStatus:  certStatusFromString(p.CertStatus),
		IssuerMatch: p.IssuerMatch,
		PingRTT:     durationFromMs(p.PingMs),
		OcspRTT:     durationFromMs(p.OcspMs),
	}
	if ts, err := time.Parse(time.RFC3339, p.Retrieved); err == nil {
		o.Retrieved = ts
	} else {
		o.Retrieved = time.Now()
	}
	if p.NextUpdate != "" {
		if nu, err := time.Parse(time.RFC3339, p.NextUpdate); err == nil {
			o.NextUpdate = nu
		}
	}
	return o
}

type submitResponse struct {
	Stored int `json:"stored"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var loc *models.Location
	claims, _, err := Verify(string(body), func(keyID string) ([]byte, error) {
		var err error
		loc, err = s.Store.LocationByKeyID(keyID)
		if err != nil {
			return nil, err
		}
		return loc.PublicKey, nil
	})
	if err != nil {
		log.Debug().Msgf("rejecting result submission: %s", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	stored := 0
	for _, p := range claims.Results {
		o := p.outcome()
		detail := p.Detail
		if detail == "" {
			detail = o.Detail()
		}
		res := &models.Result{
			ResponderID: p.ResponderID,
			LocationID:  loc.ID,
			ChainID:     p.ChainID,
			Retrieved:   o.Retrieved,
			Status:      classify.Classify(o, s.ClassifyOpts).String(),
			Detail:      detail,
			PingMs:      p.PingMs,
			OcspMs:      p.OcspMs,
		}
		if err := s.Store.Append(res); err != nil {
			s.Log.Log(err, app.LogOptions{
				Msg:  "failed to persist submitted result",
				Tags: map[string]string{"location": loc.Name},
			})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		stored++
	}

	writeJSON(w, submitResponse{Stored: stored})
}

type statusEntry struct {
	AuthorityID   uint     `json:"authority_id"`
	AuthorityName string   `json:"authority_name"`
	ResponderID   uint     `json:"responder_id"`
	Url           string   `json:"url"`
	LocationID    uint     `json:"location_id"`
	LocationName  string   `json:"location_name"`
	Status        string   `json:"status"`
	Detail        string   `json:"detail,omitempty"`
	Retrieved     string   `json:"retrieved"`
	PingMs        *float64 `json:"ping_ms"`
	OcspMs        *float64 `json:"ocsp_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ids []uint
	for _, raw := range r.URL.Query()["authority"] {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, "bad authority id", http.StatusBadRequest)
			return
		}
		ids = append(ids, uint(id))
	}
	if len(ids) == 0 {
		http.Error(w, "missing authority parameter", http.StatusBadRequest)
		return
	}

	latest, err := s.Store.LatestResults(ids)
	if err != nil {
		s.Log.Log(err, app.LogOptions{Msg: "failed to read latest results"})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]statusEntry, 0, len(latest))
	for _, lr := range latest {
		out = append(out, statusEntry{
			AuthorityID:   lr.AuthorityID,
			AuthorityName: lr.AuthorityName,
			ResponderID:   lr.ResponderID,
			Url:           lr.Url,
			LocationID:    lr.LocationID,
			LocationName:  lr.LocationName,
			Status:        lr.Status,
			Detail:        lr.Detail,
			Retrieved:     lr.Retrieved.Format(time.RFC3339),
			PingMs:        lr.PingMs,
			OcspMs:        lr.OcspMs,
		})
	}
	writeJSON(w, out)
}
