package store

import (
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jinzhu/gorm"
)

func mockedStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error while creating sqlmock: %s", err)
	}
	gdb, err := gorm.Open("postgres", db)
	if err != nil {
		t.Fatalf("error while opening gorm: %s", err)
	}

	s := &Store{
		conf:  Config{d: gdb},
		cache: newCache(DefaultCacheOpts),
		m:     &sync.Mutex{},
	}
	return s, mock
}

func TestLatestResults(t *testing.T) {
	s, mock := mockedStore(t)

	retrieved := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ping := 12.5
	rows := sqlmock.NewRows([]string{
		"authority_id", "authority_name", "responder_id", "url",
		"location_id", "location_name", "status", "detail",
		"retrieved", "ping_ms", "ocsp_ms",
	}).
		AddRow(1, "Let's Encrypt", 2, "http://ocsp.example.com", 3, "aws-eu", "good", "good", retrieved, ping, 55.0).
		AddRow(1, "Let's Encrypt", 2, "http://ocsp.example.com", 4, "do-sfo", "bad", "network: connection refused", retrieved, nil, nil)

	mock.ExpectQuery("SELECT DISTINCT ON").WillReturnRows(rows)

	latest, err := s.LatestResults([]uint{1})
	if err != nil {
		t.Fatalf("error while reading latest results: %s", err)
	}

	if len(latest) != 2 {
		t.Fatalf("expected 2 results, but got %d", len(latest))
	}
	if latest[0].AuthorityName != "Let's Encrypt" {
		t.Fatalf("unexpected authority name '%s'", latest[0].AuthorityName)
	}
	if latest[0].Status != "good" {
		t.Fatalf("unexpected status '%s'", latest[0].Status)
	}
	if latest[0].PingMs == nil || *latest[0].PingMs != ping {
		t.Fatalf("expected a ping timing of %f", ping)
	}
	if latest[1].PingMs != nil {
		t.Fatalf("expected no ping timing for the failed probe")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %s", err)
	}
}

func TestLatestResultsWithoutIds(t *testing.T) {
	s, _ := mockedStore(t)

	latest, err := s.LatestResults(nil)
	if err != nil {
		t.Fatalf("error while reading latest results: %s", err)
	}
	if latest != nil {
		t.Fatalf("expected no results without authority ids")
	}
}

func TestDSN(t *testing.T) {
	conf := Config{
		User:     "postgres",
		Password: "secret",
		Host:     "localhost",
		Port:     5432,
		DBName:   "ocspdash",
	}
	expected := "host=localhost port=5432 user=postgres password=secret dbname=ocspdash sslmode=disable"
	if dsn := conf.DSN(); dsn != expected {
		t.Fatalf("expected dsn '%s', but got '%s'", expected, dsn)
	}
}
