package store

import (
	"fmt"
	"sync"

	"github.com/go-pg/pg"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jinzhu/gorm"
	_ "github.com/lib/pq"
	"github.com/ocsp-observatory/ocspdash/store/models"
	errs "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	DefaultCacheOpts = CacheOpts{
		AuthoritySize: 256,
		ResponderSize: 2000,
		ChainSize:     5000,
		LocationSize:  64,
	}
	DefaultOpts = Opts{
		CacheOpts: DefaultCacheOpts,
	}
)

type Config struct {
	User       string     `yaml:"user"`
	Password   string     `yaml:"password"`
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port"`
	DBName     string     `yaml:"dbname"`
	Debug      bool       `yaml:"debug"`
	InfluxOpts InfluxOpts `yaml:"influxdb"`

	d *gorm.DB
}

func (c *Config) Open() (*gorm.DB, error) {
	var err error
	if c.d == nil {
		c.d, err = gorm.Open("postgres", c.DSN())
	}
	return c.d, err
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

type CacheOpts struct {
	AuthoritySize int `yaml:"authority_size"`
	ResponderSize int `yaml:"responder_size"`
	ChainSize     int `yaml:"chain_size"`
	LocationSize  int `yaml:"location_size"`
}

type Opts struct {
	CacheOpts CacheOpts `yaml:"cache"`
}

type cache struct {
	authorityByKeyID   *lru.Cache //map[string]*models.Authority
	responderByKey     *lru.Cache //map[string]*models.Responder
	chainByFingerprint *lru.Cache //map[string]*models.Chain
	locationByName     *lru.Cache //map[string]*models.Location
}

func (c *cache) describe() {
	log.Debug().Msgf("authorities: %d", c.authorityByKeyID.Len())
	log.Debug().Msgf("responders:  %d", c.responderByKey.Len())
	log.Debug().Msgf("chains:      %d", c.chainByFingerprint.Len())
	log.Debug().Msgf("locations:   %d", c.locationByName.Len())
}

func newLRUCache(cacheSize int) *lru.Cache {
	c, err := lru.New(cacheSize)
	if err != nil {
		log.Error().Msgf("error creating LRU cache: %s", err)
		return &lru.Cache{}
	}
	return c
}

func newCache(opts CacheOpts) cache {
	return cache{
		authorityByKeyID:   newLRUCache(opts.AuthoritySize),
		responderByKey:     newLRUCache(opts.ResponderSize),
		chainByFingerprint: newLRUCache(opts.ChainSize),
		locationByName:     newLRUCache(opts.LocationSize),
	}
}

type Ids struct {
	authorities uint
	responders  uint
	chains      uint
	locations   uint
	results     uint
}

type Store struct {
	conf   Config
	db     *pg.DB
	cache  cache
	ids    Ids
	influx InfluxService
	m      *sync.Mutex
}

func (s *Store) migrate() error {
	g, err := s.conf.Open()
	if err != nil {
		return errs.Wrap(err, "open database")
	}

	migrateExamples := []interface{}{
		&models.Authority{},
		&models.Responder{},
		&models.Chain{},
		&models.Location{},
		&models.Result{},
	}
	for _, ex := range migrateExamples {
		if err := g.AutoMigrate(ex).Error; err != nil {
			return errs.Wrap(err, "migrate model")
		}
	}
	return nil
}

func (s *Store) initIds() error {
	tables := map[string]*uint{
		"authorities": &s.ids.authorities,
		"responders":  &s.ids.responders,
		"chains":      &s.ids.chains,
		"locations":   &s.ids.locations,
		"results":     &s.ids.results,
	}
	for table, id := range tables {
		var maxId uint
		qry := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", table)
		if _, err := s.db.QueryOne(pg.Scan(&maxId), qry); err != nil {
			return errs.Wrap(err, "determine max id")
		}
		*id = maxId + 1
	}
	return nil
}

func (s *Store) Influx() InfluxService {
	return s.influx
}

func (s *Store) Close() error {
	if err := s.influx.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

func NewStore(conf Config, opts Opts) (*Store, error) {
	pgOpts := pg.Options{
		Addr:     fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		User:     conf.User,
		Password: conf.Password,
		Database: conf.DBName,
	}

	influx, err := NewInfluxService(conf.InfluxOpts)
	if err != nil {
		return nil, errs.Wrap(err, "create influx service")
	}

	s := Store{
		conf:   conf,
		db:     pg.Connect(&pgOpts),
		cache:  newCache(opts.CacheOpts),
		influx: influx,
		m:      &sync.Mutex{},
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.initIds(); err != nil {
		return nil, err
	}

	return &s, nil
}
