package dnstransport

import (
	"fmt"
	"time"

	"github.com/miekg/dns"

	"slipstream-go/internal/ack"
	"slipstream-go/internal/qname"
)

// Client issues the two kinds of query the agent ever sends: a data probe
// over UDP and the one-shot reset handshake over TCP.
type Client struct {
	ServerAddr string
	Timeout    time.Duration
}

// NewClient builds a Client with a per-query timeout.
func NewClient(serverAddr string, timeout time.Duration) *Client {
	return &Client{ServerAddr: serverAddr, Timeout: timeout}
}

// Query sends qname as an A-record question over net ("udp" or "tcp") and
// decodes the reply's first answer as an ACK. A transport error, a
// truncated/empty answer section, or a value that isn't a recognized ACK
// are all reported as errors so the caller treats them as packet loss.
func (c *Client) Query(network, qname string) (ack.Value, error) {
	client := &dns.Client{Net: network, Timeout: c.Timeout}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	msg.RecursionDesired = false

	resp, _, err := client.Exchange(msg, c.ServerAddr)
	if err != nil {
		return ack.Value{}, fmt.Errorf("dnstransport: exchange: %w", err)
	}
	if len(resp.Answer) == 0 {
		return ack.Value{}, fmt.Errorf("dnstransport: no answer section")
	}

	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		return ack.Value{}, fmt.Errorf("dnstransport: answer is not an A record")
	}

	ip4 := a.A.To4()
	if ip4 == nil {
		return ack.Value{}, fmt.Errorf("dnstransport: answer is not IPv4")
	}

	return ack.Decode([4]byte{ip4[0], ip4[1], ip4[2], ip4[3]})
}

// Probe implements sender.Prober: a single UDP data query for the agent's
// windowed send loop.
func (c *Client) Probe(qnameStr string) (ack.Value, error) {
	return c.Query("udp", qnameStr)
}

// Reset issues the one-shot reset handshake over TCP and reports whether
// the server confirmed it.
func (c *Client) Reset(domain string) (bool, error) {
	v, err := c.Query("tcp", qname.EncodeReset(domain))
	if err != nil {
		return false, err
	}
	return v.Reset, nil
}
