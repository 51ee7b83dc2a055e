// Package dnstransport adapts the resolver and agent protocol to
// github.com/miekg/dns.
package dnstransport

import (
	"net"
	"strconv"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/resolver"
	"slipstream-go/internal/session"
)

// Responder answers DNS queries as an authoritative-style server for one
// configured domain suffix, translating each QNAME through Resolver and
// replying with the resulting ACK as a single A record.
type Responder struct {
	Resolver *resolver.Resolver
}

// HandleDNS implements dns.Handler.
func (h *Responder) HandleDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)

	if len(r.Question) == 0 {
		if err := w.WriteMsg(msg); err != nil {
			log.Warn().Err(err).Msg("dnstransport: failed to write DNS reply")
		}
		return
	}

	qname := r.Question[0].Name
	reply, ok := h.Resolver.Resolve(session.DefaultID, qname)
	if !ok {
		if err := w.WriteMsg(msg); err != nil {
			log.Warn().Err(err).Msg("dnstransport: failed to write DNS reply")
		}
		return
	}

	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   qname,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		A: net.IPv4(reply[0], reply[1], reply[2], reply[3]),
	})

	if err := w.WriteMsg(msg); err != nil {
		log.Warn().Err(err).Msg("dnstransport: failed to write DNS reply")
	}
}

// ListenAndServe runs the responder on both the legacy UDP transport and
// the flow-controlled TCP transport. It returns immediately; the caller
// shuts both servers down when done.
func ListenAndServe(addr string, udpPort, tcpPort int, h dns.Handler) (udpServer, tcpServer *dns.Server) {
	udpServer = &dns.Server{Addr: udpAddr(addr, udpPort), Net: "udp", Handler: h}
	tcpServer = &dns.Server{Addr: udpAddr(addr, tcpPort), Net: "tcp", Handler: h}

	go func() {
		log.Info().Str("addr", udpServer.Addr).Msg("dnstransport: starting UDP listener")
		if err := udpServer.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("dnstransport: UDP listener failed")
		}
	}()
	go func() {
		log.Info().Str("addr", tcpServer.Addr).Msg("dnstransport: starting TCP listener")
		if err := tcpServer.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("dnstransport: TCP listener failed")
		}
	}()

	return udpServer, tcpServer
}

func udpAddr(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
