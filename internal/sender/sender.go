// Package sender implements the agent's windowed, congestion-controlled
// transmit loop. It reproduces a TCP-Reno-style slow start, congestion
// avoidance, fast retransmit and fast recovery on top of an unreliable,
// reordering, duplicating channel whose only feedback is a cumulative ACK
// carried in each reply.
package sender

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/ack"
	"slipstream-go/internal/aead"
	"slipstream-go/internal/qname"
)

// Prober issues one synchronous DNS query for qnameStr and returns the
// decoded ACK, or an error representing any transport failure or missing
// answer.
type Prober interface {
	Probe(qnameStr string) (ack.Value, error)
}

// Config holds the sender's tunables.
type Config struct {
	Timeout               time.Duration
	MaxRetransmitPerChunk int
	DupAckThreshold       int
	DupAckDropThreshold   int
	CwndInitial           int
	SsthreshInitial       int
	PaceInterval          time.Duration
	TransportErrorBackoff time.Duration
}

// DefaultConfig returns a reasonable set of defaults for a local tunnel.
func DefaultConfig() Config {
	return Config{
		Timeout:               4 * time.Second,
		MaxRetransmitPerChunk: 5,
		DupAckThreshold:       3,
		DupAckDropThreshold:   15,
		CwndInitial:           2,
		SsthreshInitial:       8,
		PaceInterval:          100 * time.Millisecond,
		TransportErrorBackoff: 1 * time.Second,
	}
}

type inFlightEntry struct {
	plaintext   []byte
	submittedAt time.Time
}

// Sender is the agent's sliding-window sender for one message. Create a
// fresh Sender per transfer; it is not reusable across messages.
type Sender struct {
	cfg    Config
	prober Prober
	cipher *aead.Cipher
	domain string
	chunks [][]byte

	base            int
	nextSeq         int
	inFlight        map[int]*inFlightEntry
	cwnd            int
	ssthresh        int
	lastAck         int
	dupAckCount     int
	inFastRecovery  bool
	retransmitCount map[int]int
}

// New builds a Sender for one message's worth of chunks.
func New(chunks [][]byte, cipher *aead.Cipher, domain string, prober Prober, cfg Config) *Sender {
	retransmitCount := make(map[int]int, len(chunks))
	for i := range chunks {
		retransmitCount[i] = 0
	}
	return &Sender{
		cfg:             cfg,
		prober:          prober,
		cipher:          cipher,
		domain:          domain,
		chunks:          chunks,
		inFlight:        make(map[int]*inFlightEntry),
		cwnd:            cfg.CwndInitial,
		ssthresh:        cfg.SsthreshInitial,
		lastAck:         -1,
		retransmitCount: retransmitCount,
	}
}

// Base returns the lowest unacknowledged sequence number. Exposed for
// tests and progress reporting.
func (s *Sender) Base() int { return s.base }

// Cwnd returns the current congestion window. Exposed for tests.
func (s *Sender) Cwnd() int { return s.cwnd }

// Run drives the loop to completion: every chunk has either been
// acknowledged or exhausted its retransmit budget and been dropped.
func (s *Sender) Run(ctx context.Context) error {
	total := len(s.chunks)
	if total == 0 {
		// Empty message completes immediately, no data queries.
		return nil
	}

	for s.base < total {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.schedule(total)

		if s.sweepTimeouts() {
			continue
		}
		if s.base >= total {
			// Timeout drops slid the window past the last chunk.
			break
		}

		ackVal, err := s.probeBase()
		if err != nil {
			// Transport error / no answer: wait and retry. This sleep does
			// not count toward any chunk's retransmit budget.
			log.Debug().Err(err).Int("base", s.base).Msg("sender: probe failed, treating as loss")
			time.Sleep(s.cfg.TransportErrorBackoff)
			continue
		}

		if s.handleAck(ackVal.NextExpected) {
			continue
		}

		time.Sleep(s.cfg.PaceInterval)
	}

	return nil
}

// schedule enrolls new chunks into the window.
func (s *Sender) schedule(total int) {
	for s.nextSeq < s.base+s.cwnd && s.nextSeq < total {
		s.inFlight[s.nextSeq] = &inFlightEntry{
			plaintext:   s.chunks[s.nextSeq],
			submittedAt: time.Now(),
		}
		s.nextSeq++
	}
}

// sweepTimeouts retransmits or drops stale in-flight chunks and applies a
// congestion collapse if at least one survived. It returns true when the
// caller should restart the iteration immediately.
func (s *Sender) sweepTimeouts() bool {
	now := time.Now()
	var timedOut []int
	for seq, entry := range s.inFlight {
		if now.Sub(entry.submittedAt) > s.cfg.Timeout {
			timedOut = append(timedOut, seq)
		}
	}
	if len(timedOut) == 0 {
		return false
	}
	sort.Ints(timedOut)

	anySurvived := false
	for _, seq := range timedOut {
		s.retransmitCount[seq]++
		if s.retransmitCount[seq] > s.cfg.MaxRetransmitPerChunk {
			log.Warn().Int("seq", seq).Msg("sender: chunk dropped after exhausting retransmits")
			s.dropTimedOut(seq)
			continue
		}
		s.inFlight[seq].submittedAt = time.Now()
		anySurvived = true
	}

	if !anySurvived {
		return false
	}

	s.ssthresh = maxInt(s.cwnd/2, 1)
	s.cwnd = 1
	s.nextSeq = s.base
	s.dupAckCount = 0
	s.inFastRecovery = false
	log.Debug().Int("ssthresh", s.ssthresh).Msg("sender: congestion collapse")
	return true
}

// dropTimedOut removes seq from the window after it exhausts its
// retransmit budget via the timeout path.
func (s *Sender) dropTimedOut(seq int) {
	delete(s.inFlight, seq)
	if seq == s.base {
		s.base++
		s.nextSeq = s.base
		s.dupAckCount = 0
		s.inFastRecovery = false
	}
}

// probeBase encrypts the lowest unacknowledged chunk under a fresh nonce
// and queries for it. Re-encrypting on every probe, rather than caching
// the sealed packet, is what gives every retransmit a distinct nonce.
func (s *Sender) probeBase() (ack.Value, error) {
	packet, err := s.cipher.Seal(s.chunks[s.base])
	if err != nil {
		return ack.Value{}, fmt.Errorf("sender: seal chunk %d: %w", s.base, err)
	}
	qnameStr, err := qname.Encode(s.base, packet, s.domain)
	if err != nil {
		return ack.Value{}, fmt.Errorf("sender: encode chunk %d: %w", s.base, err)
	}
	return s.prober.Probe(qnameStr)
}

// handleAck applies one received ACK value to the sender's state. It
// returns true when the caller should restart the loop immediately,
// skipping the pacing sleep (matches the early loop restart after a
// force-advance drop).
func (s *Sender) handleAck(ackSeq int) bool {
	switch {
	case ackSeq > s.base:
		return s.handleForwardProgress(ackSeq)
	case ackSeq == s.lastAck:
		return s.handleDuplicateAck(ackSeq)
	default:
		// Stale ack, or the start of a new duplicate stream.
		log.Debug().Int("ack", ackSeq).Int("base", s.base).Msg("sender: stale ack, starting new duplicate stream")
		s.dupAckCount = 1
		s.lastAck = ackSeq
		return false
	}
}

// handleForwardProgress advances base and updates the congestion window
// after an ACK that names a higher sequence than we've seen before.
func (s *Sender) handleForwardProgress(ackSeq int) bool {
	for seq := s.base; seq < ackSeq; seq++ {
		delete(s.inFlight, seq)
	}
	s.base = ackSeq
	s.dupAckCount = 0
	s.lastAck = ackSeq

	switch {
	case s.inFastRecovery:
		s.cwnd = s.ssthresh
		s.inFastRecovery = false
		log.Debug().Int("cwnd", s.cwnd).Msg("sender: exiting fast recovery")
	case s.cwnd < s.ssthresh:
		s.cwnd *= 2
		log.Debug().Int("cwnd", s.cwnd).Msg("sender: slow start")
	default:
		s.cwnd++
		log.Debug().Int("cwnd", s.cwnd).Msg("sender: congestion avoidance")
	}
	return false
}

// handleDuplicateAck applies the fast-retransmit / fast-recovery rules to
// a repeated ACK for the same sequence number.
func (s *Sender) handleDuplicateAck(ackSeq int) bool {
	s.dupAckCount++

	if s.dupAckCount >= s.cfg.DupAckDropThreshold {
		s.retransmitCount[ackSeq]++
		if s.retransmitCount[ackSeq] > s.cfg.MaxRetransmitPerChunk {
			log.Warn().Int("seq", ackSeq).Msg("sender: chunk dropped after exhausting dup-ack retransmits")
			delete(s.inFlight, ackSeq)
			if s.base == ackSeq {
				s.base++
				s.nextSeq = s.base
				s.lastAck = s.base
				s.dupAckCount = 0
				s.inFastRecovery = false
			}
			return true
		}
	}

	if s.dupAckCount == s.cfg.DupAckThreshold && !s.inFastRecovery {
		s.retransmitCount[ackSeq]++
		if s.retransmitCount[ackSeq] > s.cfg.MaxRetransmitPerChunk {
			log.Warn().Int("seq", ackSeq).Msg("sender: chunk dropped after exhausting fast-retransmit budget")
			delete(s.inFlight, ackSeq)
			s.base = ackSeq + 1
			s.nextSeq = s.base
			s.dupAckCount = 0
			s.inFastRecovery = false
			return true
		}

		log.Debug().Int("seq", ackSeq).Msg("sender: fast retransmit")
		s.dupAckCount = 0
		s.inFlight[ackSeq] = &inFlightEntry{
			plaintext:   s.chunks[ackSeq],
			submittedAt: time.Now(),
		}
		s.ssthresh = maxInt(s.cwnd/2, 1)
		s.cwnd = s.ssthresh + 3
		s.inFastRecovery = true
	}

	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
