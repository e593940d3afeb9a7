package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/ocsp-observatory/ocspdash/api"
	"github.com/ocsp-observatory/ocspdash/app"
	"github.com/ocsp-observatory/ocspdash/censys"
	"github.com/ocsp-observatory/ocspdash/store"
	"github.com/ocsp-observatory/ocspdash/vantage"
	"gopkg.in/yaml.v2"
)

const (
	CensysSecretEnv = "CENSYS_API_SECRET"
	DbPassEnv       = "OCSPDASH_DB_PASS"
	VantagePassEnv  = "VANTAGE_SSH_PASS"
)

type Authority struct {
	Name  string `yaml:"name"`
	KeyID string `yaml:"key-id"`
}

type Discovery struct {
	Ttl             string `yaml:"ttl"`
	CacheSize       int    `yaml:"cache_size"`
	IssuerCacheSize int    `yaml:"issuer_cache_size"`
}

type Probe struct {
	Timeout         string `yaml:"timeout"`
	Interval        string `yaml:"interval"`
	NextUpdateGrace string `yaml:"next_update_grace"`
	GlobalCeiling   int64  `yaml:"global_ceiling"`
	PerLocation     int64  `yaml:"per_location"`
	AppendRetries   int    `yaml:"append_retries"`
}

type Config struct {
	Authorities []Authority      `yaml:"authorities"`
	Censys      censys.Config    `yaml:"censys"`
	Discovery   Discovery        `yaml:"discovery"`
	Probe       Probe            `yaml:"probe"`
	Vantage     []vantage.Config `yaml:"vantage"`
	Api         api.Config       `yaml:"api"`
	Store       store.Config     `yaml:"store"`
	Sentry      app.Sentry       `yaml:"sentry"`
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (d *Discovery) TTL() (time.Duration, error) {
	return parseDuration(d.Ttl, 24*time.Hour)
}

func (p *Probe) ProbeTimeout() (time.Duration, error) {
	return parseDuration(p.Timeout, 10*time.Second)
}

func (p *Probe) CycleInterval() (time.Duration, error) {
	return parseDuration(p.Interval, time.Hour)
}

func (p *Probe) Grace() (time.Duration, error) {
	return parseDuration(p.NextUpdateGrace, 0)
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if len(c.Authorities) == 0 {
		ce.Add("at least one authority must be configured")
	}
	for _, a := range c.Authorities {
		if a.KeyID == "" {
			ce.Add("authority key-id cannot be empty")
		}
	}
	if _, err := c.Discovery.TTL(); err != nil {
		ce.Add("invalid discovery ttl: " + err.Error())
	}
	for _, fn := range []func() (time.Duration, error){c.Probe.ProbeTimeout, c.Probe.CycleInterval, c.Probe.Grace} {
		if _, err := fn(); err != nil {
			ce.Add("invalid probe duration: " + err.Error())
		}
	}
	if err := c.Sentry.IsValid(); err != nil {
		ce.Add(err.Error())
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// ReadConfig reads the yaml configuration and injects secrets from the
// environment; the variables are cleared afterwards.
func ReadConfig(path string) (Config, error) {
	var conf Config
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(f, &conf); err != nil {
		return conf, err
	}

	if v := os.Getenv(CensysSecretEnv); v != "" {
		conf.Censys.Creds.Secret = v
	}
	if v := os.Getenv(DbPassEnv); v != "" {
		conf.Store.Password = v
	}
	if v := os.Getenv(VantagePassEnv); v != "" {
		for i := range conf.Vantage {
			if conf.Vantage[i].AuthType == "password" && conf.Vantage[i].Password == "" {
				conf.Vantage[i].Password = v
			}
		}
	}

	for _, env := range []string{CensysSecretEnv, DbPassEnv, VantagePassEnv} {
		os.Setenv(env, "")
	}

	return conf, conf.IsValid()
}
