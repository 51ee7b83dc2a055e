// Package qname implements the bijective mapping between a (sequence,
// packet) pair and a DNS QNAME.
//
// Encoding: base32-encode the packet (standard RFC 4648 alphabet, padding
// stripped, lower-cased), split into label-chunks of at most LabelSize
// characters, prepend a seq<N> label, append the domain suffix.
//
// Decoding reverses each step and rejects anything that doesn't round-trip.
package qname

import (
	"encoding/base32"
	"fmt"
	"strconv"
	"strings"
)

// LabelSize is the maximum character length of a single data label, the
// DNS label limit. Encoder and decoder must agree on this value.
const LabelSize = 63

// ResetSeq is the sequence number sentinel for the reset control message.
const ResetSeq = -1

// resetLabel is the literal intermediate label carried by a reset QNAME.
const resetLabel = "reset"

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode builds the QNAME for a data chunk: seq<N>.<labels...>.<domain>.
func Encode(seq int, packet []byte, domain string) (string, error) {
	if seq < 0 {
		return "", fmt.Errorf("qname: sequence must be non-negative, got %d", seq)
	}

	encoded := strings.ToLower(encoding.EncodeToString(packet))
	labels := splitLabels(encoded, LabelSize)

	parts := make([]string, 0, len(labels)+2)
	parts = append(parts, fmt.Sprintf("seq%d", seq))
	parts = append(parts, labels...)
	parts = append(parts, strings.Split(domain, ".")...)

	qname := strings.Join(parts, ".")
	if len(qname) > 253 {
		return "", fmt.Errorf("qname: encoded name exceeds 253 octets (%d)", len(qname))
	}
	return qname, nil
}

// EncodeReset builds the reset-sentinel QNAME: seq-1.reset.<domain>.
func EncodeReset(domain string) string {
	return fmt.Sprintf("seq%d.%s.%s", ResetSeq, resetLabel, domain)
}

// Decoded is the result of successfully parsing a data QNAME.
type Decoded struct {
	Seq    int
	Packet []byte
}

// Decode parses a QNAME produced by Encode/EncodeReset back into its
// sequence number and raw packet bytes. For the reset sentinel, Packet is
// nil and Seq == ResetSeq. Any malformed input is returned as an error and
// must not advance caller state.
func Decode(qnameStr string, domain string) (Decoded, error) {
	trimmed := strings.TrimSuffix(qnameStr, ".")
	domain = strings.TrimSuffix(domain, ".")

	suffix := "." + domain
	if !strings.HasSuffix(trimmed, suffix) {
		return Decoded{}, fmt.Errorf("qname: %q does not end in suffix %q", qnameStr, domain)
	}
	withoutSuffix := strings.TrimSuffix(trimmed, suffix)

	labels := strings.Split(withoutSuffix, ".")
	if len(labels) == 0 || labels[0] == "" {
		return Decoded{}, fmt.Errorf("qname: no labels before domain suffix")
	}

	seqLabel := labels[0]
	if !strings.HasPrefix(seqLabel, "seq") {
		return Decoded{}, fmt.Errorf("qname: first label %q does not start with %q", seqLabel, "seq")
	}
	seq, err := strconv.Atoi(strings.TrimPrefix(seqLabel, "seq"))
	if err != nil {
		return Decoded{}, fmt.Errorf("qname: invalid sequence label %q: %w", seqLabel, err)
	}

	dataLabels := labels[1:]

	if seq == ResetSeq {
		if len(dataLabels) != 1 || dataLabels[0] != resetLabel {
			return Decoded{}, fmt.Errorf("qname: reset sentinel must carry a single %q label", resetLabel)
		}
		return Decoded{Seq: ResetSeq}, nil
	}
	if seq < 0 {
		return Decoded{}, fmt.Errorf("qname: negative sequence %d is not the reset sentinel", seq)
	}

	body := strings.ToUpper(strings.Join(dataLabels, ""))
	if rem := len(body) % 8; rem != 0 {
		body += strings.Repeat("=", 8-rem)
	}

	packet, err := encoding.WithPadding(base32.StdPadding).DecodeString(body)
	if err != nil {
		return Decoded{}, fmt.Errorf("qname: base32 decode: %w", err)
	}
	if len(packet) < 32 {
		return Decoded{}, fmt.Errorf("qname: decoded packet too short (%d bytes, need at least 32)", len(packet))
	}

	return Decoded{Seq: seq, Packet: packet}, nil
}

// splitLabels breaks s into chunks of at most maxLen runes each, preserving
// order. Each element is a valid DNS label as long as maxLen <= 63 and s
// only contains base32-alphabet characters.
func splitLabels(s string, maxLen int) []string {
	if s == "" {
		return nil
	}
	labels := make([]string, 0, (len(s)+maxLen-1)/maxLen)
	for i := 0; i < len(s); i += maxLen {
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		labels = append(labels, s[i:end])
	}
	return labels
}
