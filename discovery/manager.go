package discovery

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mohae/deepcopy"
	errs "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Discoverer abstracts the discovery engine for the cache manager.
type Discoverer interface {
	Discover(ctx context.Context, authorityKeyID string) ([]Discovery, error)
}

// Entry is the cached responder set of one authority.
type Entry struct {
	AuthorityKeyID string
	Pairs          []Discovery
	Refreshed      time.Time
	// the last refresh failed and the entry is served stale
	Degraded bool
}

type Clock func() time.Time

type ManagerOpts struct {
	TTL       time.Duration
	CacheSize int
	Now       Clock
}

var DefaultManagerOpts = ManagerOpts{
	TTL:       24 * time.Hour,
	CacheSize: 1024,
}

// Manager owns the discovery freshness policy: it serves cached responder
// sets while they are younger than the TTL and bounds the rate of calls
// into the external certificate search. It is the only component allowed
// to trigger a refresh, and at most one refresh per authority is in
// flight at any time.
type Manager struct {
	engine  Discoverer
	ttl     time.Duration
	now     Clock
	group   singleflight.Group
	entries *lru.Cache
}

func NewManager(engine Discoverer, opts ManagerOpts) (*Manager, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultManagerOpts.TTL
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultManagerOpts.CacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		engine:  engine,
		ttl:     opts.TTL,
		now:     opts.Now,
		entries: entries,
	}, nil
}

func (m *Manager) lookup(key string) (*Entry, bool) {
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (m *Manager) fresh(e *Entry) bool {
	return m.now().Sub(e.Refreshed) < m.ttl
}

// previously known responders are retained even when absent from the
// latest scan; re-discovered urls get their chain replaced by the newer
// one
func merge(prev []Discovery, latest []Discovery) []Discovery {
	byUrl := map[string]int{}
	var res []Discovery
	for _, d := range prev {
		byUrl[d.Url] = len(res)
		res = append(res, d)
	}
	for _, d := range latest {
		if i, ok := byUrl[d.Url]; ok {
			res[i] = d
			continue
		}
		byUrl[d.Url] = len(res)
		res = append(res, d)
	}
	return res
}

func copyEntry(e *Entry) *Entry {
	return deepcopy.Copy(e).(*Entry)
}

// GetOrRefresh returns the authority's responder set, refreshing it first
// when stale or absent. Concurrent calls for the same stale authority
// collapse to a single discovery; a failed refresh serves the stale entry
// with its degraded flag raised. Callers receive a copy that does not
// alias the cached state.
func (m *Manager) GetOrRefresh(ctx context.Context, authorityKeyID string) (*Entry, error) {
	if e, ok := m.lookup(authorityKeyID); ok && m.fresh(e) {
		return copyEntry(e), nil
	}

	v, err, _ := m.group.Do(authorityKeyID, func() (interface{}, error) {
		// a late caller may arrive after the refresh completed
		if e, ok := m.lookup(authorityKeyID); ok && m.fresh(e) {
			return e, nil
		}

		var prevPairs []Discovery
		prev, known := m.lookup(authorityKeyID)
		if known {
			prevPairs = prev.Pairs
		}

		pairs, err := m.engine.Discover(ctx, authorityKeyID)
		if err != nil {
			if !known {
				return nil, errs.Wrap(err, "discover responders")
			}
			log.Warn().Msgf("discovery refresh for %s failed, serving stale responder set: %s", authorityKeyID, err)
			// cached entries are read concurrently and must never be
			// written to; the degraded entry replaces the cached one
			degraded := copyEntry(prev)
			degraded.Degraded = true
			m.entries.Add(authorityKeyID, degraded)
			return degraded, nil
		}

		e := &Entry{
			AuthorityKeyID: authorityKeyID,
			Pairs:          merge(prevPairs, pairs),
			Refreshed:      m.now(),
		}
		m.entries.Add(authorityKeyID, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return copyEntry(v.(*Entry)), nil
}
