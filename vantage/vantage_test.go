package vantage

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry([]Config{
		{Name: "aws-eu", Host: "probe1.example.com:22"},
		{Name: "do-sfo", Host: "probe2.example.com:22"},
	})
	r.Add(Local("local"))

	if len(r.All()) != 3 {
		t.Fatalf("expected 3 locations, but got %d", len(r.All()))
	}

	l, err := r.Get("do-sfo")
	if err != nil {
		t.Fatalf("error while getting location: %s", err)
	}
	if l.Name != "do-sfo" {
		t.Fatalf("expected location 'do-sfo', but got '%s'", l.Name)
	}

	if _, err := r.Get("nonexistent"); err != UnknownLocationErr {
		t.Fatalf("expected UnknownLocationErr, but got: %s", err)
	}
}

func TestLocalHttpClient(t *testing.T) {
	serv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	}))
	defer serv.Close()

	loc := Local("local")
	c, err := loc.HttpClient()
	if err != nil {
		t.Fatalf("error while getting http client: %s", err)
	}

	resp, err := c.Get(serv.URL)
	if err != nil {
		t.Fatalf("error while requesting: %s", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("error while reading response: %s", err)
	}
	if string(body) != "pong" {
		t.Fatalf("expected body 'pong', but got '%s'", body)
	}
}

func TestLocalDial(t *testing.T) {
	serv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer serv.Close()

	loc := Local("local")
	conn, err := loc.Dial("tcp", serv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("error while dialing: %s", err)
	}
	conn.Close()
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		conf  Config
		valid bool
	}{
		{"password auth", Config{AuthType: "password", Password: "secret"}, true},
		{"password auth without password", Config{AuthType: "password"}, false},
		{"key auth", Config{AuthType: "key", Key: "/some/path"}, true},
		{"key auth without key", Config{AuthType: "key"}, false},
		{"unknown auth type", Config{AuthType: "agent"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if actual := test.conf.isValid(); actual != test.valid {
				t.Fatalf("expected valid=%t, but got %t", test.valid, actual)
			}
		})
	}
}
