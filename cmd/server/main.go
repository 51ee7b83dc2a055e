// Command server is the receiving half of the tunnel: an authoritative-
// style DNS responder that reassembles chunks in order and reports the
// reconstructed payload on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/aead"
	"slipstream-go/internal/dnstransport"
	"slipstream-go/internal/resolver"
	"slipstream-go/internal/session"
)

func main() {
	domain := flag.String("domain", "tunnel.example.com", "Tunnel domain suffix (required)")
	listenAddr := flag.String("listen-address", "127.0.0.1", "Listener bind address")
	udpPort := flag.Int("udp-port", 5353, "DNS server port (UDP, legacy variant)")
	tcpPort := flag.Int("tcp-port", 5354, "DNS server port (TCP, flow-controlled variant)")
	keyFile := flag.String("key-file", "", "Path to the 32-byte pre-shared key (required)")
	sessionTTL := flag.Duration("session-ttl", 5*time.Minute, "Idle session expiration")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := setLogLevel(*logLevel); err != nil {
		log.Fatal().Err(err).Msg("server: invalid --log-level")
	}

	if *domain == "" {
		log.Fatal().Msg("server: --domain is required")
	}
	if *keyFile == "" {
		log.Fatal().Msg("server: --key-file is required")
	}
	key, err := os.ReadFile(*keyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("server: failed to read --key-file")
	}

	cipher, err := aead.New(key)
	if err != nil {
		log.Fatal().Err(err).Msg("server: invalid pre-shared key")
	}

	sessions := session.NewManager(*sessionTTL)
	res := &resolver.Resolver{
		Domain:   *domain,
		Cipher:   cipher,
		Sessions: sessions,
	}
	responder := &dnstransport.Responder{Resolver: res}

	udpServer, tcpServer := dnstransport.ListenAndServe(*listenAddr, *udpPort, *tcpPort, dns.HandlerFunc(responder.HandleDNS))
	log.Info().Str("domain", *domain).Msg("server: tunnel responder running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("server: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = udpServer.ShutdownContext(ctx)
	_ = tcpServer.ShutdownContext(ctx)

	reportReconstruction(sessions)
}

func reportReconstruction(sessions *session.Manager) {
	state := sessions.GetOrCreate(session.DefaultID)
	payload, missing := state.Reconstruct()

	if len(payload) == 0 && len(missing) == 0 {
		log.Info().Msg("server: no chunks received, nothing to reconstruct")
		return
	}

	log.Info().Str("message", string(payload)).Msg("server: reconstructed message")
	if len(missing) > 0 {
		sort.Ints(missing)
		log.Warn().Ints("missing", missing).Msg("server: gaps in reassembly")
	} else {
		log.Info().Msg("server: all chunks received successfully")
	}
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
