package sender

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"slipstream-go/internal/aead"
	"slipstream-go/internal/ack"
	"slipstream-go/internal/chunk"
	"slipstream-go/internal/qname"
	"slipstream-go/internal/resolver"
	"slipstream-go/internal/session"
)

const testDomain = "tunnel.example.com"
const testSessionID = "test"

// fakeNetwork routes Probe calls through a real resolver, with the
// ability to simulate per-sequence packet loss for a configurable number
// of attempts. This exercises the sender and the resolver together the
// way DNS would in production, without any actual network I/O.
type fakeNetwork struct {
	resolver *resolver.Resolver

	mu       sync.Mutex
	attempts map[int]int
	dropN    map[int]int // seq -> number of leading attempts to drop
}

func newFakeNetwork(cipher *aead.Cipher) *fakeNetwork {
	return &fakeNetwork{
		resolver: &resolver.Resolver{
			Domain:   testDomain,
			Cipher:   cipher,
			Sessions: session.NewManager(time.Minute),
		},
		attempts: make(map[int]int),
		dropN:    make(map[int]int),
	}
}

func (f *fakeNetwork) Probe(qnameStr string) (ack.Value, error) {
	decoded, err := qname.Decode(qnameStr, testDomain)
	if err != nil {
		return ack.Value{}, err
	}

	f.mu.Lock()
	f.attempts[decoded.Seq]++
	attemptNum := f.attempts[decoded.Seq]
	drop := attemptNum <= f.dropN[decoded.Seq]
	f.mu.Unlock()

	if drop {
		return ack.Value{}, fmt.Errorf("simulated loss of seq %d (attempt %d)", decoded.Seq, attemptNum)
	}

	reply, ok := f.resolver.Resolve(testSessionID, qnameStr)
	if !ok {
		return ack.Value{}, fmt.Errorf("no answer for seq %d", decoded.Seq)
	}
	return ack.Decode(reply)
}

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.PaceInterval = time.Millisecond
	cfg.TransportErrorBackoff = 2 * time.Millisecond
	return cfg
}

func runTransfer(t *testing.T, message string, chunkSize int, net *fakeNetwork, cipher *aead.Cipher) *Sender {
	t.Helper()
	chunks := chunk.Split([]byte(message), chunkSize)
	s := New(chunks, cipher, testDomain, net, fastTestConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return s
}

func TestSender_SingleChunk_NoLoss(t *testing.T) {
	cipher, _ := aead.New(bytes.Repeat([]byte{0x11}, aead.KeySize))
	net := newFakeNetwork(cipher)

	s := runTransfer(t, "hello", 50, net, cipher)

	if s.Base() != 1 {
		t.Fatalf("Base() = %d, want 1", s.Base())
	}
	payload, missing := net.resolver.Sessions.GetOrCreate(testSessionID).Reconstruct()
	if string(payload) != "hello" {
		t.Fatalf("reconstructed = %q, want %q", payload, "hello")
	}
	if len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
}

func TestSender_MultipleChunks_NoLoss(t *testing.T) {
	cipher, _ := aead.New(bytes.Repeat([]byte{0x22}, aead.KeySize))
	net := newFakeNetwork(cipher)

	message := string(bytes.Repeat([]byte{'a'}, 125))
	s := runTransfer(t, message, 50, net, cipher)

	if s.Base() != 3 {
		t.Fatalf("Base() = %d, want 3 chunks", s.Base())
	}
	payload, _ := net.resolver.Sessions.GetOrCreate(testSessionID).Reconstruct()
	if string(payload) != message {
		t.Fatalf("reconstructed length = %d, want %d", len(payload), len(message))
	}
}

func TestSender_PacketLoss_StillCompletes(t *testing.T) {
	cipher, _ := aead.New(bytes.Repeat([]byte{0x33}, aead.KeySize))
	net := newFakeNetwork(cipher)
	net.dropN[0] = 1 // first probe for chunk 0 is lost
	net.dropN[2] = 1 // first probe for chunk 2 is lost

	message := string(bytes.Repeat([]byte{'b'}, 125))
	s := runTransfer(t, message, 50, net, cipher)

	if s.Base() != 3 {
		t.Fatalf("Base() = %d, want 3", s.Base())
	}
	payload, missing := net.resolver.Sessions.GetOrCreate(testSessionID).Reconstruct()
	if string(payload) != message {
		t.Fatal("reconstructed payload does not match original despite recovering from loss")
	}
	if len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
}

func TestSender_PermanentlyLostChunk_DropsAndAdvances(t *testing.T) {
	cipher, _ := aead.New(bytes.Repeat([]byte{0x44}, aead.KeySize))
	net := newFakeNetwork(cipher)
	net.dropN[4] = 1000 // chunk 4 is never delivered

	message := string(bytes.Repeat([]byte{'c'}, 300)) // 6 chunks of 50
	s := runTransfer(t, message, 50, net, cipher)

	if s.Base() != 6 {
		t.Fatalf("Base() = %d, want 6 (sender slides past the dropped chunk)", s.Base())
	}
	_, missing := net.resolver.Sessions.GetOrCreate(testSessionID).Reconstruct()
	if len(missing) != 1 || missing[0] != 4 {
		t.Fatalf("missing = %v, want [4]", missing)
	}
}

func TestSender_EmptyMessage_CompletesImmediately(t *testing.T) {
	cipher, _ := aead.New(bytes.Repeat([]byte{0x55}, aead.KeySize))
	net := newFakeNetwork(cipher)

	s := New(nil, cipher, testDomain, net, fastTestConfig())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Base() != 0 {
		t.Fatalf("Base() = %d, want 0", s.Base())
	}
	if len(net.attempts) != 0 {
		t.Fatalf("attempts = %v, want no queries sent for an empty message", net.attempts)
	}
}

func TestSender_CwndNeverBelowOne(t *testing.T) {
	cipher, _ := aead.New(bytes.Repeat([]byte{0x66}, aead.KeySize))
	net := newFakeNetwork(cipher)
	for seq := 0; seq < 10; seq++ {
		net.dropN[seq] = 2 // heavy loss to force repeated congestion collapse
	}

	cfg := fastTestConfig()
	chunks := chunk.Split(bytes.Repeat([]byte{'d'}, 500), 50)
	s := New(chunks, cipher, testDomain, net, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			return
		case <-ticker.C:
			if s.Cwnd() < 1 {
				t.Fatalf("Cwnd() = %d, want >= 1 at every observation point", s.Cwnd())
			}
		}
	}
}
