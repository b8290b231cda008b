package resolver_test

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/securechan/securechan/internal/resolver"
)

func startServer(t *testing.T, handler dns.Handler) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &dns.Server{PacketConn: pc, Handler: handler}
	go server.ActivateAndServe()
	t.Cleanup(func() {
		server.Shutdown()
	})
	return pc.LocalAddr().String()
}

func answering(records map[uint16]dns.RR) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(req)
		if rr, ok := records[req.Question[0].Qtype]; ok {
			reply.Answer = append(reply.Answer, rr)
		}
		w.WriteMsg(reply)
	})
}

func TestLookupHost(t *testing.T) {
	header := dns.RR_Header{
		Name:   "example.com.",
		Rrtype: dns.TypeA,
		Class:  dns.ClassINET,
	}
	addr := startServer(t, answering(map[uint16]dns.RR{
		dns.TypeA: &dns.A{Hdr: header, A: net.IPv4(10, 0, 0, 1)},
	}))
	reso := resolver.NewWithServers(addr)
	addrs, err := reso.LookupHost(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.1" {
		t.Fatal("unexpected addresses", addrs)
	}
}

func TestLookupHostFailure(t *testing.T) {
	addr := startServer(t, dns.HandlerFunc(
		func(w dns.ResponseWriter, req *dns.Msg) {
			reply := new(dns.Msg)
			reply.SetRcode(req, dns.RcodeNameError)
			w.WriteMsg(reply)
		},
	))
	reso := resolver.NewWithServers(addr)
	if _, err := reso.LookupHost(context.Background(), "nonexistent.example.com"); err == nil {
		t.Fatal("expected an error here")
	}
}

func TestLookupHostIPLiteral(t *testing.T) {
	reso := resolver.NewWithServers() // no servers needed
	addrs, err := reso.LookupHost(context.Background(), "::1")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != "::1" {
		t.Fatal("unexpected addresses", addrs)
	}
}

func TestLookupHostNoServers(t *testing.T) {
	reso := resolver.NewWithServers()
	_, err := reso.LookupHost(context.Background(), "example.com")
	if err != resolver.ErrNoResponse {
		t.Fatal("expected ErrNoResponse")
	}
}
