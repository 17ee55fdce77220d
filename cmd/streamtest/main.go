// streamtest subscribes to destinations and prints delivered events to the
// console, optionally publishing a payload first.
// Usage: go run ./cmd/streamtest --config configs/client.example.yaml --dest orders,fills
//
// Sessions and cursors persist under cache_db_name, so a second run resumes
// where the first stopped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rickgao/resumesub/client"
	"github.com/rickgao/resumesub/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.example.yaml", "path to config file (YAML or TOML)")
	dests := flag.String("dest", "", "comma-separated destinations to subscribe to")
	publish := flag.String("publish", "", "JSON payload to publish to every destination before streaming")
	verbose := flag.Bool("verbose", false, "debug logging")
	statsEvery := flag.Duration("stats", 10*time.Second, "stats interval, 0 disables")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.UserAgent())
		return
	}

	// Setup logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	destinations := splitList(*dests)
	if len(destinations) == 0 {
		logger.Error("at least one destination is required (--dest)")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cl, err := client.NewFromFile(ctx, *configPath, client.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	// Report errors
	go func() {
		for e := range cl.Errors() {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("[%s]", e.Code), e.Error())
		}
	}()

	if *publish != "" {
		if !json.Valid([]byte(*publish)) {
			logger.Error("publish payload is not valid JSON")
			cl.Close(0, "")
			os.Exit(2)
		}
		for _, dest := range destinations {
			if err := cl.Produce(ctx, dest, json.RawMessage(*publish)); err != nil {
				logger.Error("publish failed", "destination", dest, "error", err)
			}
		}
	}

	printer := client.NewListener(printEvents)
	if err := cl.Subscribe(ctx, destinations, printer); err != nil {
		logger.Error("failed to subscribe", "error", err)
		cl.Close(0, "")
		os.Exit(1)
	}

	// Stats printer
	if *statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s := cl.Stats()
					logger.Info("stats",
						"state", s.Connection.State,
						"reconnects", s.Connection.Reconnects,
						"frames_in", s.Connection.FramesIn,
						"pending", s.Subscription.Pending,
						"resets", s.Subscription.Resets,
						"delivered", s.Router.BatchesDelivered,
						"held", s.Sources.Held,
						"replayed", s.Router.BatchesReplayed,
					)
				}
			}
		}()
	}

	logger.Info("streaming started - press Ctrl+C to stop", "destinations", destinations)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	if err := cl.Close(0, "shutdown"); err != nil {
		logger.Error("close failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func printEvents(destination string, payloads []json.RawMessage) {
	ts := time.Now().Format("15:04:05.000")
	for _, p := range payloads {
		fmt.Printf("%s %s %s\n", color.GreenString(ts), color.CyanString("[%s]", destination), p)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
