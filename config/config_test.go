package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const confYaml = `
authorities:
  - name: "Let's Encrypt"
    key-id: "142eb317b75856cbae500940e61faf9d8b14c2c6"
censys:
  credentials:
    api-id: "some-id"
discovery:
  ttl: "12h"
probe:
  timeout: "5s"
  interval: "1h"
vantage:
  - name: "aws-eu"
    host: "probe.example.com:22"
    user: "probe"
    authtype: "password"
    pubkey: "/etc/ocspdash/aws-eu.pub"
store:
  user: "postgres"
  host: "localhost"
  port: 5432
  dbname: "ocspdash"
api:
  host: "localhost"
  port: 8080
`

func writeConf(t *testing.T, content string) string {
	dir, err := ioutil.TempDir("", "config")
	if err != nil {
		t.Fatalf("error while creating temp dir: %s", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	path := filepath.Join(dir, "config.yml")
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("error while writing config: %s", err)
	}
	return path
}

func TestReadConfig(t *testing.T) {
	os.Setenv(CensysSecretEnv, "censys-secret")
	os.Setenv(DbPassEnv, "db-pass")
	os.Setenv(VantagePassEnv, "ssh-pass")

	conf, err := ReadConfig(writeConf(t, confYaml))
	if err != nil {
		t.Fatalf("error while reading config: %s", err)
	}

	if len(conf.Authorities) != 1 || conf.Authorities[0].Name != "Let's Encrypt" {
		t.Fatalf("unexpected authorities: %+v", conf.Authorities)
	}

	// secrets come from the environment, not the file
	if conf.Censys.Creds.Secret != "censys-secret" {
		t.Fatalf("expected the censys secret to be injected")
	}
	if conf.Store.Password != "db-pass" {
		t.Fatalf("expected the database password to be injected")
	}
	if conf.Vantage[0].Password != "ssh-pass" {
		t.Fatalf("expected the ssh password to be injected")
	}
	if conf.Vantage[0].Pubkey != "/etc/ocspdash/aws-eu.pub" {
		t.Fatalf("expected the submission key path to be read")
	}

	// and are scrubbed afterwards
	for _, env := range []string{CensysSecretEnv, DbPassEnv, VantagePassEnv} {
		if os.Getenv(env) != "" {
			t.Fatalf("expected environment variable '%s' to be scrubbed", env)
		}
	}

	ttl, err := conf.Discovery.TTL()
	if err != nil {
		t.Fatalf("error while parsing ttl: %s", err)
	}
	if ttl != 12*time.Hour {
		t.Fatalf("expected a 12h ttl, but got %s", ttl)
	}
}

func TestReadConfigDefaults(t *testing.T) {
	minimal := `
authorities:
  - name: "Let's Encrypt"
    key-id: "142eb317b75856cbae500940e61faf9d8b14c2c6"
`
	conf, err := ReadConfig(writeConf(t, minimal))
	if err != nil {
		t.Fatalf("error while reading config: %s", err)
	}

	ttl, _ := conf.Discovery.TTL()
	if ttl != 24*time.Hour {
		t.Fatalf("expected the default 24h ttl, but got %s", ttl)
	}
	timeout, _ := conf.Probe.ProbeTimeout()
	if timeout != 10*time.Second {
		t.Fatalf("expected the default 10s probe timeout, but got %s", timeout)
	}
}

func TestReadConfigInvalid(t *testing.T) {
	noAuthorities := `
probe:
  timeout: "5s"
`
	if _, err := ReadConfig(writeConf(t, noAuthorities)); err == nil {
		t.Fatalf("expected a config without authorities to be invalid")
	}

	badDuration := `
authorities:
  - name: "Let's Encrypt"
    key-id: "142eb317b75856cbae500940e61faf9d8b14c2c6"
probe:
  timeout: "not a duration"
`
	if _, err := ReadConfig(writeConf(t, badDuration)); err == nil {
		t.Fatalf("expected a config with a malformed duration to be invalid")
	}
}
