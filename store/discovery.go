package store

import (
	"time"

	"github.com/go-pg/pg"
	"github.com/ocsp-observatory/ocspdash/discovery"
	"github.com/ocsp-observatory/ocspdash/store/models"
	errs "github.com/pkg/errors"
)

// EnsureAuthority creates or updates an authority. An existing authority
// only has its cardinality refreshed; a non-positive cardinality leaves
// the stored value untouched.
func (s *Store) EnsureAuthority(name, keyID string, cardinality int) (*models.Authority, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.ensureAuthority(name, keyID, cardinality)
}

func (s *Store) ensureAuthority(name, keyID string, cardinality int) (*models.Authority, error) {
	if v, ok := s.cache.authorityByKeyID.Get(keyID); ok {
		a := v.(*models.Authority)
		return a, s.refreshAuthority(a, cardinality)
	}

	a := &models.Authority{}
	err := s.db.Model(a).Where("key_id = ?", keyID).Limit(1).Select()
	if err == nil {
		s.cache.authorityByKeyID.Add(keyID, a)
		return a, s.refreshAuthority(a, cardinality)
	}
	if err != pg.ErrNoRows {
		return nil, errs.Wrap(err, "select authority")
	}

	a = &models.Authority{
		ID:          s.ids.authorities,
		Name:        name,
		KeyID:       keyID,
		Cardinality: cardinality,
		LastUpdated: time.Now(),
	}
	if err := s.db.Insert(a); err != nil {
		return nil, errs.Wrap(err, "insert authority")
	}
	s.ids.authorities++
	s.cache.authorityByKeyID.Add(keyID, a)
	return a, nil
}

func (s *Store) refreshAuthority(a *models.Authority, cardinality int) error {
	if cardinality <= 0 || cardinality == a.Cardinality {
		return nil
	}
	a.Cardinality = cardinality
	a.LastUpdated = time.Now()
	return errs.Wrap(s.db.Update(a), "update authority")
}

func (s *Store) EnsureResponder(authority *models.Authority, url, domain string, cardinality int) (*models.Responder, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.ensureResponder(authority, url, domain, cardinality)
}

func (s *Store) ensureResponder(authority *models.Authority, url, domain string, cardinality int) (*models.Responder, error) {
	key := authority.KeyID + "|" + url
	if v, ok := s.cache.responderByKey.Get(key); ok {
		return v.(*models.Responder), nil
	}

	r := &models.Responder{}
	err := s.db.Model(r).Where("authority_id = ? AND url = ?", authority.ID, url).Limit(1).Select()
	if err == nil {
		if cardinality > 0 && cardinality != r.Cardinality {
			r.Cardinality = cardinality
			if err := s.db.Update(r); err != nil {
				return nil, errs.Wrap(err, "update responder")
			}
		}
		s.cache.responderByKey.Add(key, r)
		return r, nil
	}
	if err != pg.ErrNoRows {
		return nil, errs.Wrap(err, "select responder")
	}

	r = &models.Responder{
		ID:          s.ids.responders,
		AuthorityID: authority.ID,
		Url:         url,
		Domain:      domain,
		Cardinality: cardinality,
		Discovered:  time.Now(),
	}
	if err := s.db.Insert(r); err != nil {
		return nil, errs.Wrap(err, "insert responder")
	}
	s.ids.responders++
	s.cache.responderByKey.Add(key, r)
	return r, nil
}

// EnsureChain records a discovered chain; byte-identical chains collapse
// to the existing record by content hash.
func (s *Store) EnsureChain(responder *models.Responder, subject, issuer []byte, fingerprint string) (*models.Chain, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.ensureChain(responder, subject, issuer, fingerprint)
}

func (s *Store) ensureChain(responder *models.Responder, subject, issuer []byte, fingerprint string) (*models.Chain, error) {
	if v, ok := s.cache.chainByFingerprint.Get(fingerprint); ok {
		return v.(*models.Chain), nil
	}

	c := &models.Chain{}
	err := s.db.Model(c).Where("sha256_fingerprint = ?", fingerprint).Limit(1).Select()
	if err == nil {
		s.cache.chainByFingerprint.Add(fingerprint, c)
		return c, nil
	}
	if err != pg.ErrNoRows {
		return nil, errs.Wrap(err, "select chain")
	}

	c = &models.Chain{
		ID:                s.ids.chains,
		ResponderID:       responder.ID,
		Subject:           subject,
		Issuer:            issuer,
		Sha256Fingerprint: fingerprint,
		Retrieved:         time.Now(),
	}
	if err := s.db.Insert(c); err != nil {
		return nil, errs.Wrap(err, "insert chain")
	}
	s.ids.chains++
	s.cache.chainByFingerprint.Add(fingerprint, c)
	return c, nil
}

// SyncDiscovery persists the responder set of a discovery cache entry
// under one lock, returning the per-pair (responder, chain) records that
// probe jobs are built from.
type ResponderChain struct {
	Responder *models.Responder
	Chain     *models.Chain
}

// cardinality carries per-URL certificate counts and may be nil.
func (s *Store) SyncDiscovery(authority *models.Authority, pairs []discovery.Discovery, cardinality map[string]int) ([]ResponderChain, error) {
	s.m.Lock()
	defer s.m.Unlock()

	var res []ResponderChain
	for _, d := range pairs {
		r, err := s.ensureResponder(authority, d.Url, d.Domain, cardinality[d.Url])
		if err != nil {
			return nil, err
		}
		c, err := s.ensureChain(r, d.Subject, d.Issuer, d.Fingerprint)
		if err != nil {
			return nil, err
		}
		res = append(res, ResponderChain{Responder: r, Chain: c})
	}
	s.influx.CacheSize("responders", s.cache.responderByKey, int(s.ids.responders))
	s.influx.CacheSize("chains", s.cache.chainByFingerprint, int(s.ids.chains))
	return res, nil
}
