package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ivicac/emailengine/internal/account"
	"github.com/ivicac/emailengine/internal/bridge"
	"github.com/ivicac/emailengine/internal/cache"
	"github.com/ivicac/emailengine/internal/metrics"
	"github.com/ivicac/emailengine/internal/settings"
	"github.com/ivicac/emailengine/internal/smtp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := os.Getenv("EENGINE_BRIDGE_SOCKET")
	if len(socketPath) == 0 {
		return errors.New("EENGINE_BRIDGE_SOCKET not set")
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return errors.WithMessage(err, "dial bridge")
	}

	b := bridge.New(conn)
	defer b.Close()

	log.Println("Connected to parent bridge")

	b.Handle("ping", func(ctx context.Context, message json.RawMessage) (interface{}, error) {
		return map[string]bool{"pong": true}, nil
	})

	settingsClient := settings.NewClient(b)

	c, err := cache.New()
	if err != nil {
		return errors.WithMessage(err, "cache.New")
	}

	resolver := account.NewResolver(b, settingsClient, c)
	emitter := metrics.NewEmitter(b)

	server := smtp.NewServer(b, settingsClient, resolver, emitter)

	if addr := os.Getenv("EENGINE_METRICS_ADDR"); len(addr) > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server: %s", err)
			}
		}()
	}

	domain := os.Getenv("EENGINE_HOSTNAME")
	if len(domain) == 0 {
		domain, _ = os.Hostname()
	}

	log.Println("Starting submission server")

	if err := server.Run(context.Background(), domain); err != nil {
		return errors.WithMessage(err, "server.Run")
	}

	return nil
}
