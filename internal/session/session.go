// Package session holds the server-side reassembly state for one tunnel:
// the chunks received so far and the cumulative sequence cursor.
//
// A single process-wide session is modeled as one entry in a
// github.com/patrickmn/go-cache store. Keying by a constant session ID
// today, and by a real session identifier tomorrow, are the same code
// path.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultID is the session key used while the channel supports exactly
// one concurrent transfer.
const DefaultID = "default"

// State is one session's reassembly state: the chunks received so far and
// the cumulative "expected next sequence" cursor.
type State struct {
	mu             sync.Mutex
	receivedChunks map[int][]byte
	expectedSeq    int
}

func newState() *State {
	return &State{receivedChunks: make(map[int][]byte)}
}

// Reset clears all received chunks and rewinds the cursor to zero.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivedChunks = make(map[int][]byte)
	s.expectedSeq = 0
}

// ExpectedSeq returns the current cumulative ACK cursor.
func (s *State) ExpectedSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedSeq
}

// Has reports whether seq has already been stored.
func (s *State) Has(seq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receivedChunks[seq]
	return ok
}

// Store inserts a chunk if seq is new, then advances expectedSeq past any
// now-contiguous run. It returns the resulting expectedSeq and whether the
// insert happened (false means seq was already present; the first write
// for a given sequence always wins).
func (s *State) Store(seq int, plaintext []byte) (expectedSeq int, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.receivedChunks[seq]; exists {
		return s.expectedSeq, false
	}

	s.receivedChunks[seq] = plaintext
	for {
		if _, ok := s.receivedChunks[s.expectedSeq]; !ok {
			break
		}
		s.expectedSeq++
	}
	return s.expectedSeq, true
}

// Reconstruct returns the payload assembled from every received chunk in
// sequence order (chunks past a gap are included; the gap itself is simply
// skipped), plus the sorted list of missing sequence numbers below the
// highest received sequence.
func (s *State) Reconstruct() (payload []byte, missing []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.receivedChunks) == 0 {
		return nil, nil
	}

	seqs := make([]int, 0, len(s.receivedChunks))
	for seq := range s.receivedChunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	highest := seqs[len(seqs)-1]
	present := make(map[int]bool, len(seqs))
	for _, seq := range seqs {
		present[seq] = true
	}
	for seq := 0; seq <= highest; seq++ {
		if !present[seq] {
			missing = append(missing, seq)
		}
	}

	for _, seq := range seqs {
		payload = append(payload, s.receivedChunks[seq]...)
	}
	return payload, missing
}

// Manager hands out the single process-wide Session behind a TTL'd cache.
type Manager struct {
	store *cache.Cache
}

// NewManager creates a Manager. Sessions expire after ttl of inactivity
// (refreshed on every access) and are swept every 2*ttl.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{store: cache.New(ttl, 2*ttl)}
}

// GetOrCreate returns the State for id, creating and refreshing it as
// needed.
func (m *Manager) GetOrCreate(id string) *State {
	if val, found := m.store.Get(id); found {
		st := val.(*State)
		m.store.Set(id, st, cache.DefaultExpiration)
		return st
	}

	st := newState()
	m.store.Set(id, st, cache.DefaultExpiration)
	return st
}
