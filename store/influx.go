package store

import (
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

type InfluxOpts struct {
	Enabled   bool   `yaml:"enabled"`
	Url       string `yaml:"url"`
	AuthToken string `yaml:"auth-token"`
	Org       string `yaml:"organization"`
	Bucket    string `yaml:"bucket"`
	// flush interval in seconds
	Interval int `yaml:"interval"`
}

type InfluxService interface {
	ResultObserved(status string)
	CacheSize(cacheName string, c *lru.Cache, total int)
	io.Closer
}

type influxService struct {
	client       influxdb2.Client
	api          influxapi.WriteAPI
	done         chan bool
	ticker       *time.Ticker
	resultCounts map[string]int
	cacheSizes   map[string]cacheInfo
	m            *sync.Mutex
}

type cacheInfo struct {
	cur   int
	total int
}

func (ifs *influxService) ResultObserved(status string) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.resultCounts[status]++
}

func (ifs *influxService) CacheSize(cacheName string, c *lru.Cache, total int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.cacheSizes[cacheName] = cacheInfo{c.Len(), total}
}

func (ifs *influxService) flush() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	now := time.Now()
	for status, count := range ifs.resultCounts {
		p := influxdb2.NewPoint(
			"results",
			map[string]string{"status": status},
			map[string]interface{}{"count": count},
			now,
		)
		ifs.api.WritePoint(p)
	}
	ifs.resultCounts = map[string]int{}

	for name, info := range ifs.cacheSizes {
		p := influxdb2.NewPoint(
			"cache",
			map[string]string{"name": name},
			map[string]interface{}{"size": info.cur, "total": info.total},
			now,
		)
		ifs.api.WritePoint(p)
	}

	ifs.api.Flush()
}

func (ifs *influxService) run() {
	for {
		select {
		case <-ifs.ticker.C:
			ifs.flush()
		case <-ifs.done:
			return
		}
	}
}

func (ifs *influxService) Close() error {
	ifs.done <- true
	ifs.ticker.Stop()
	ifs.flush()
	ifs.client.Close()
	return nil
}

type disabledInfluxService struct{}

func (disabledInfluxService) ResultObserved(string)             {}
func (disabledInfluxService) CacheSize(string, *lru.Cache, int) {}
func (disabledInfluxService) Close() error                      { return nil }

func NewInfluxService(opts InfluxOpts) (InfluxService, error) {
	if !opts.Enabled {
		return disabledInfluxService{}, nil
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = 30
	}

	client := influxdb2.NewClient(opts.Url, opts.AuthToken)
	ifs := influxService{
		client:       client,
		api:          client.WriteAPI(opts.Org, opts.Bucket),
		done:         make(chan bool),
		ticker:       time.NewTicker(time.Duration(interval) * time.Second),
		resultCounts: map[string]int{},
		cacheSizes:   map[string]cacheInfo{},
		m:            &sync.Mutex{},
	}
	go ifs.run()

	return &ifs, nil
}
