// Package resolver is a simplistic DNS client where we manually
// create and submit A and AAAA queries over UDP. Connecting by name
// needs nothing more, and going through github.com/miekg/dns keeps
// the lookup observable instead of hidden inside the platform
// resolver.
package resolver

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"
)

// ErrNoResponse indicates that no query produced a usable answer.
var ErrNoResponse = errors.New("resolver: no response returned")

var errQueryFailed = errors.New("resolver: query failed")

// Resolver resolves hostnames by querying the configured servers in
// order until one of them answers.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// New creates a Resolver from the system configuration in
// /etc/resolv.conf.
func New() (*Resolver, error) {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, server := range config.Servers {
		servers = append(servers, net.JoinHostPort(server, config.Port))
	}
	return NewWithServers(servers...), nil
}

// NewWithServers creates a Resolver querying the given servers, each
// expressed as "address:port".
func NewWithServers(servers ...string) *Resolver {
	return &Resolver{client: new(dns.Client), servers: servers}
}

// LookupHost returns the IP addresses of a host. An IP literal is
// returned as is without touching the network.
func (r *Resolver) LookupHost(ctx context.Context, hostname string) ([]string, error) {
	if net.ParseIP(hostname) != nil {
		return []string{hostname}, nil
	}
	var addrs []string
	reply, errA := r.roundTrip(ctx, r.newQueryWithQuestion(dns.Question{
		Name:   dns.Fqdn(hostname),
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}))
	if errA == nil {
		for _, answer := range reply.Answer {
			if rra, ok := answer.(*dns.A); ok {
				addrs = append(addrs, rra.A.String())
			}
		}
	}
	reply, errAAAA := r.roundTrip(ctx, r.newQueryWithQuestion(dns.Question{
		Name:   dns.Fqdn(hostname),
		Qtype:  dns.TypeAAAA,
		Qclass: dns.ClassINET,
	}))
	if errAAAA == nil {
		for _, answer := range reply.Answer {
			if rra, ok := answer.(*dns.AAAA); ok {
				addrs = append(addrs, rra.AAAA.String())
			}
		}
	}
	return lookupHostResult(addrs, errA, errAAAA)
}

func lookupHostResult(addrs []string, errA, errAAAA error) ([]string, error) {
	if len(addrs) > 0 {
		return addrs, nil
	}
	if errA != nil {
		return nil, errA
	}
	if errAAAA != nil {
		return nil, errAAAA
	}
	return nil, ErrNoResponse
}

func (r *Resolver) newQueryWithQuestion(q dns.Question) *dns.Msg {
	query := new(dns.Msg)
	query.Id = dns.Id()
	query.RecursionDesired = true
	query.Question = []dns.Question{q}
	return query
}

func (r *Resolver) roundTrip(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, ErrNoResponse
	}
	var lastErr error
	for _, server := range r.servers {
		reply, _, err := r.client.ExchangeContext(ctx, query, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = errQueryFailed
			continue
		}
		return reply, nil
	}
	return nil, lastErr
}
