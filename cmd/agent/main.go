// Command agent is the sending half of the tunnel: it reads one message
// from standard input, resets the server's session, then drives the
// congestion-controlled send loop until every chunk is acknowledged or
// dropped.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/aead"
	"slipstream-go/internal/chunk"
	"slipstream-go/internal/dnstransport"
	"slipstream-go/internal/sender"
)

func main() {
	domain := flag.String("domain", "tunnel.example.com", "Tunnel domain suffix")
	serverAddr := flag.String("server", "127.0.0.1:5354", "Resolver address (host:port) for the reset handshake (TCP)")
	dataAddr := flag.String("server-udp", "127.0.0.1:5353", "Resolver address (host:port) for data queries (UDP)")
	keyFile := flag.String("key-file", "", "Path to the 32-byte pre-shared key (required)")
	chunkSize := flag.Int("chunk-size", chunk.DefaultSize, "Maximum plaintext bytes per chunk")
	timeout := flag.Duration("timeout", 4*time.Second, "Per-query timeout")
	cwndInitial := flag.Int("cwnd-initial", 2, "Initial congestion window")
	ssthreshInitial := flag.Int("ssthresh-initial", 8, "Initial slow-start threshold")
	maxRetransmit := flag.Int("max-retransmit-per-chunk", 5, "Retransmit cap before a chunk is dropped")
	dupAckThreshold := flag.Int("dup-ack-threshold", 3, "Duplicate ACKs that trigger fast retransmit")
	dupAckDropThreshold := flag.Int("dup-ack-drop-threshold", 15, "Duplicate ACKs that force-advance past a chunk")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := setLogLevel(*logLevel); err != nil {
		log.Fatal().Err(err).Msg("agent: invalid --log-level")
	}

	if *keyFile == "" {
		log.Fatal().Msg("agent: --key-file is required")
	}
	key, err := os.ReadFile(*keyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("agent: failed to read --key-file")
	}

	cipher, err := aead.New(key)
	if err != nil {
		log.Fatal().Err(err).Msg("agent: invalid pre-shared key")
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stderr, "Enter your message: ")
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		log.Fatal().Err(err).Msg("agent: failed to read message from stdin")
	}
	message := trimNewline(line)

	resetClient := dnstransport.NewClient(*serverAddr, *timeout)
	confirmed, err := resetClient.Reset(*domain)
	if err != nil || !confirmed {
		log.Error().Err(err).Msg("agent: reset failed, aborting")
		os.Exit(1)
	}
	log.Info().Msg("agent: server reset confirmed")

	chunks := chunk.Split([]byte(message), *chunkSize)
	log.Info().Int("chunks", len(chunks)).Msg("agent: starting transfer")

	dataClient := dnstransport.NewClient(*dataAddr, *timeout)
	cfg := sender.Config{
		Timeout:               *timeout,
		MaxRetransmitPerChunk: *maxRetransmit,
		DupAckThreshold:       *dupAckThreshold,
		DupAckDropThreshold:   *dupAckDropThreshold,
		CwndInitial:           *cwndInitial,
		SsthreshInitial:       *ssthreshInitial,
		PaceInterval:          100 * time.Millisecond,
		TransportErrorBackoff: 1 * time.Second,
	}

	s := sender.New(chunks, cipher, *domain, dataClient, cfg)
	if err := s.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("agent: transfer aborted")
	}

	log.Info().Msg("agent: all chunks sent and acknowledged")
}

func setLogLevel(level string) error {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return fmt.Errorf("unknown level %q", level)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
