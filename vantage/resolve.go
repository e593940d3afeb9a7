package vantage

import (
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

var (
	NoAddressErr = errors.New("no address records for host")
)

const defaultResolver = "8.8.8.8:53"

// Resolve looks up the A records of a host from the network vantage of
// the location, by speaking DNS over a TCP connection dialed through it.
func (l *Location) Resolve(host string, timeout time.Duration) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	resolver := l.resolver
	if resolver == "" {
		resolver = defaultResolver
	}

	conn, err := l.Dial("tcp", resolver)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	co := &dns.Conn{Conn: conn}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	if err := co.WriteMsg(m); err != nil {
		return nil, err
	}
	r, err := co.ReadMsg()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, NoAddressErr
	}
	return ips, nil
}
