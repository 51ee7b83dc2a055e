// Package resolver implements the server-side reassembly and ACK
// generation rules. Resolve is a pure function from an incoming QNAME and
// the current session state to the reply A-record octets (or no reply at
// all); all state mutation happens inside the session.State it's given,
// which already serializes access under a single lock held across the
// read-modify-write of an incoming chunk.
package resolver

import (
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/aead"
	"slipstream-go/internal/ack"
	"slipstream-go/internal/qname"
	"slipstream-go/internal/session"
)

// Resolver binds a domain suffix and an AEAD cipher to session storage.
type Resolver struct {
	Domain   string
	Cipher   *aead.Cipher
	Sessions *session.Manager
}

// Resolve processes one incoming QNAME against the named session and
// returns the ACK octets to answer with, or (zero value, false) to send
// no answer section at all.
func (r *Resolver) Resolve(sessionID, qnameStr string) (reply [4]byte, ok bool) {
	decoded, err := qname.Decode(qnameStr, r.Domain)
	if err != nil {
		// Wrong suffix, malformed sequence label, bad base32 body or a
		// packet too short for nonce+tag.
		log.Debug().Err(err).Str("qname", qnameStr).Msg("resolver: rejecting query")
		return reply, false
	}

	state := r.Sessions.GetOrCreate(sessionID)

	if decoded.Seq == qname.ResetSeq {
		state.Reset()
		log.Info().Str("session", sessionID).Msg("resolver: session reset")
		return ack.EncodeReset(), true
	}

	expected := state.ExpectedSeq()
	if decoded.Seq < expected {
		// Stale chunk: report current cumulative ACK, no state change.
		return ack.EncodeData(expected), true
	}

	plaintext, err := r.Cipher.Open(decoded.Packet)
	if err != nil {
		// Decrypt failure: no answer at all.
		log.Debug().Err(err).Int("seq", decoded.Seq).Msg("resolver: decrypt failed")
		return reply, false
	}

	newExpected, inserted := state.Store(decoded.Seq, plaintext)
	if !inserted {
		// Already stored; report the unchanged cumulative ACK.
		return ack.EncodeData(newExpected), true
	}

	log.Debug().Int("seq", decoded.Seq).Int("expected", newExpected).Msg("resolver: stored chunk")
	return ack.EncodeData(newExpected), true
}
