package vantage

import (
	"errors"
	"io/ioutil"
	"net"
	"net/http"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

var (
	InvalidConfErr     = errors.New("vantage point configuration is invalid")
	UnknownLocationErr = errors.New("unknown vantage point")
)

type Config struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	AuthType string `yaml:"authtype"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
	Socks    bool   `yaml:"socks"`
	Resolver string `yaml:"resolver"`
	// path to the PEM-encoded public key the location submits results with
	Pubkey string `yaml:"pubkey"`
}

func (conf *Config) isValid() bool {
	switch conf.AuthType {
	case "password":
		return conf.Password != ""
	case "key":
		return conf.Key != ""
	default:
		return false
	}
}

func (conf *Config) getAuth() (ssh.AuthMethod, error) {
	if !conf.isValid() {
		return nil, InvalidConfErr
	}

	var auth ssh.AuthMethod
	switch conf.AuthType {
	case "password":
		auth = ssh.Password(conf.Password)
	case "key":
		buffer, err := ioutil.ReadFile(conf.Key)
		if err != nil {
			return nil, err
		}
		key, err := ssh.ParsePrivateKey(buffer)
		if err != nil {
			return nil, err
		}
		auth = ssh.PublicKeys(key)
	}
	return auth, nil
}

type DialFunc func(network, address string) (net.Conn, error)

// A Location is a single vantage point, dialing the network through
// the SSH endpoint given in its configuration.
// The SSH connection is established on first use and reused afterwards.
type Location struct {
	Name     string
	conf     Config
	m        sync.Mutex
	dial     DialFunc
	c        *http.Client
	resolver string
}

func (l *Location) connect() (DialFunc, error) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.dial != nil {
		return l.dial, nil
	}

	auth, err := l.conf.getAuth()
	if err != nil {
		return nil, err
	}

	clientConfig := ssh.ClientConfig{
		User: l.conf.User,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return nil
		},
		Auth: []ssh.AuthMethod{
			auth,
		},
	}

	host := l.conf.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	sshClient, err := ssh.Dial("tcp", host, &clientConfig)
	if err != nil {
		return nil, err
	}

	dial := sshClient.Dial
	if l.conf.Socks {
		dialer, err := proxy.SOCKS5("tcp", sshClient.LocalAddr().String(), nil, dialerFunc(sshClient.Dial))
		if err != nil {
			return nil, err
		}
		dial = dialer.Dial
	}

	l.dial = dial
	return dial, nil
}

type dialerFunc func(network, address string) (net.Conn, error)

func (f dialerFunc) Dial(network, address string) (net.Conn, error) {
	return f(network, address)
}

func (l *Location) Dial(network, address string) (net.Conn, error) {
	dial, err := l.connect()
	if err != nil {
		return nil, err
	}
	return dial(network, address)
}

func (l *Location) HttpClient() (*http.Client, error) {
	l.m.Lock()
	if l.c != nil {
		defer l.m.Unlock()
		return l.c, nil
	}
	l.m.Unlock()

	if _, err := l.connect(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Dial: l.Dial,
	}
	c := &http.Client{
		Transport: transport,
	}

	l.m.Lock()
	l.c = c
	l.m.Unlock()
	return c, nil
}

func (l *Location) ResolverAddr() string {
	return l.resolver
}

func New(conf Config) *Location {
	return &Location{
		Name:     conf.Name,
		conf:     conf,
		resolver: conf.Resolver,
	}
}

// Local is the vantage point of the host itself, dialing directly.
func Local(name string) *Location {
	return &Location{
		Name: name,
		dial: net.Dial,
		c:    http.DefaultClient,
	}
}

type Registry struct {
	locations []*Location
}

func (r *Registry) All() []*Location {
	return r.locations
}

func (r *Registry) Get(name string) (*Location, error) {
	for _, l := range r.locations {
		if l.Name == name {
			return l, nil
		}
	}
	return nil, UnknownLocationErr
}

func (r *Registry) Add(l *Location) {
	r.locations = append(r.locations, l)
}

func NewRegistry(confs []Config) *Registry {
	r := &Registry{}
	for _, conf := range confs {
		r.Add(New(conf))
	}
	return r
}
