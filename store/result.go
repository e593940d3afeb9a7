package store

import (
	"time"

	"github.com/go-pg/pg"
	"github.com/ocsp-observatory/ocspdash/store/models"
	errs "github.com/pkg/errors"
)

// Append persists one result; results are append-only and never updated.
func (s *Store) Append(res *models.Result) error {
	s.m.Lock()
	defer s.m.Unlock()

	res.ID = s.ids.results
	if res.Retrieved.IsZero() {
		res.Retrieved = time.Now()
	}
	if err := s.db.Insert(res); err != nil {
		return errs.Wrap(err, "insert result")
	}
	s.ids.results++
	s.influx.ResultObserved(res.Status)
	return nil
}

func (s *Store) EnsureLocation(name, host, keyID string, publicKey []byte) (*models.Location, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if v, ok := s.cache.locationByName.Get(name); ok {
		l := v.(*models.Location)
		return l, s.refreshLocationKey(l, keyID, publicKey)
	}

	l := &models.Location{}
	err := s.db.Model(l).Where("name = ?", name).Limit(1).Select()
	if err == nil {
		s.cache.locationByName.Add(name, l)
		return l, s.refreshLocationKey(l, keyID, publicKey)
	}
	if err != pg.ErrNoRows {
		return nil, errs.Wrap(err, "select location")
	}

	l = &models.Location{
		ID:        s.ids.locations,
		Name:      name,
		Host:      host,
		KeyID:     keyID,
		PublicKey: publicKey,
	}
	if err := s.db.Insert(l); err != nil {
		return nil, errs.Wrap(err, "insert location")
	}
	s.ids.locations++
	s.cache.locationByName.Add(name, l)
	return l, nil
}

// a rotated submission key replaces the stored one
func (s *Store) refreshLocationKey(l *models.Location, keyID string, publicKey []byte) error {
	if keyID == "" || l.KeyID == keyID {
		return nil
	}
	l.KeyID = keyID
	l.PublicKey = publicKey
	return errs.Wrap(s.db.Update(l), "update location")
}

func (s *Store) LocationByKeyID(keyID string) (*models.Location, error) {
	s.m.Lock()
	defer s.m.Unlock()

	l := &models.Location{}
	if err := s.db.Model(l).Where("key_id = ?", keyID).Limit(1).Select(); err != nil {
		return nil, errs.Wrap(err, "select location")
	}
	return l, nil
}

// ManifestEntry pairs a responder with its most recently discovered
// chain, which is the chain it is tested with.
type ManifestEntry struct {
	ResponderID uint
	ChainID     uint
	Url         string
	Subject     []byte
	Issuer      []byte
}

func (s *Store) Manifest() ([]ManifestEntry, error) {
	s.m.Lock()
	defer s.m.Unlock()

	var entries []ManifestEntry
	_, err := s.db.Query(&entries, `
		SELECT DISTINCT ON (c.responder_id)
			r.id AS responder_id, c.id AS chain_id, r.url, c.subject, c.issuer
		FROM chains c
		JOIN responders r ON r.id = c.responder_id
		ORDER BY c.responder_id, c.retrieved DESC`)
	if err != nil {
		return nil, errs.Wrap(err, "select manifest")
	}
	return entries, nil
}

// LatestResult is the most recent result of one (responder, location)
// pair, joined for presentation.
type LatestResult struct {
	AuthorityID   uint
	AuthorityName string
	ResponderID   uint
	Url           string
	LocationID    uint
	LocationName  string
	Status        string
	Detail        string
	Retrieved     time.Time
	PingMs        *float64
	OcspMs        *float64
}

const latestResultsQry = `
	SELECT DISTINCT ON (res.responder_id, res.location_id)
		a.id AS authority_id, a.name AS authority_name,
		r.id AS responder_id, r.url AS url,
		l.id AS location_id, l.name AS location_name,
		res.status, res.detail, res.retrieved, res.ping_ms, res.ocsp_ms
	FROM results res
	JOIN responders r ON r.id = res.responder_id
	JOIN authorities a ON a.id = r.authority_id
	JOIN locations l ON l.id = res.location_id
	WHERE a.id IN (?)
	ORDER BY res.responder_id, res.location_id, res.retrieved DESC`

// LatestResults returns the most recent result per (responder, location)
// pair for the requested authorities; pairs never tested are absent.
func (s *Store) LatestResults(authorityIDs []uint) ([]LatestResult, error) {
	if len(authorityIDs) == 0 {
		return nil, nil
	}

	// read side goes through gorm, the write side through go-pg
	g, err := s.conf.Open()
	if err != nil {
		return nil, errs.Wrap(err, "open database")
	}

	var results []LatestResult
	if err := g.Raw(latestResultsQry, authorityIDs).Scan(&results).Error; err != nil {
		return nil, errs.Wrap(err, "select latest results")
	}
	return results, nil
}
