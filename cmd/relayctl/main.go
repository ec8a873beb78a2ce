// Package main is the operator CLI for the presence relay.
//
//   - token:    sign an access token for an identity
//   - ban:      block an identity from connecting
//   - unban:    lift a ban
//   - presence: query the Redis presence mirror
//   - listen:   connect as one identity and print everything the relay sends
//   - bench:    connect N identities to one room and measure fan-out latency
//
// Usage:
//
//	relayctl <command> [options]
//
// Settings shared with the relay (JWT_SECRET, REDIS_ADDR, RELAY_URL, ...) are
// read from the environment.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Parse()
	if err != nil {
		fatalf("%v", err)
	}

	switch os.Args[1] {
	case "token":
		runToken(cfg, os.Args[2:])
	case "ban":
		runBan(cfg, os.Args[2:])
	case "unban":
		runUnban(cfg, os.Args[2:])
	case "presence":
		runPresence(cfg, os.Args[2:])
	case "listen":
		runListen(cfg, os.Args[2:])
	case "bench":
		runBench(cfg, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token     Sign an access token (needs JWT_SECRET)")
	fmt.Println("  ban       Ban an identity (needs REDIS_ADDR)")
	fmt.Println("  unban     Lift a ban (needs REDIS_ADDR)")
	fmt.Println("  presence  Who is online, from the Redis presence mirror")
	fmt.Println("  listen    Connect as one identity and print relay events")
	fmt.Println("  bench     Fan-out benchmark: N identities chatting in one room")
	fmt.Println()
	fmt.Println("Run 'relayctl <command> -h' for command-specific options.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		fatalf("logger: %v", err)
	}
	return logger
}

// issuer signs tokens locally with the relay's shared secret.
func issuer(cfg config.Config) *auth.Gateway {
	if cfg.JWTSecret == "" {
		fatalf("JWT_SECRET is required to sign tokens")
	}
	return auth.NewGateway(cfg.Auth(), nil, nil)
}
