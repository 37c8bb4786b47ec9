// licensed is the reference license server. It hands out a bounded pool
// of sessions to schemadeploy instances and expires the ones that stop
// heartbeating.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/securecookie"

	"schemadeploy/internal/license"
	"schemadeploy/internal/logging"
)

func main() {
	addr := flag.String("addr", ":8443", "listen address")
	sessions := flag.Int("sessions", 10, "maximum concurrent sessions")
	ttl := flag.Duration("ttl", 5*time.Minute, "session lifetime without a heartbeat")
	burst := flag.Int("burst", 3, "burst events granted per acquire")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if _, err := logging.ParseLevel(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(os.Stderr, *logLevel)

	key, err := secretKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	server := license.NewServer(license.ServerConfig{
		Addr:        *addr,
		MaxSessions: *sessions,
		SessionTTL:  *ttl,
		BurstBudget: *burst,
		SecretKey:   key,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error("license server failed", "error", err)
		os.Exit(1)
	}
}

// secretKey reads LICENSED_SECRET_KEY (base64), or generates an
// ephemeral key. An ephemeral key invalidates outstanding tokens on
// restart, which only forces clients to re-acquire.
func secretKey() ([]byte, error) {
	raw := os.Getenv("LICENSED_SECRET_KEY")
	if raw == "" {
		return securecookie.GenerateRandomKey(32), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("LICENSED_SECRET_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("LICENSED_SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
