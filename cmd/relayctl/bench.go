package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/client"
	"github.com/whisper/presence-relay/internal/config"
	"github.com/whisper/presence-relay/internal/loadstats"
	"github.com/whisper/presence-relay/internal/protocol"
)

const benchPrefix = "bench:"

// runBench connects N identities, joins them all to one room and has each
// send a timestamped message every interval. Every receiver measures the
// time from send to delivery, so one message yields N-1 fan-out samples.
func runBench(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	url := fs.String("url", cfg.RelayURL, "WebSocket relay URL")
	clients := fs.Int("clients", 100, "Number of identities to connect")
	room := fs.String("room", "bench", "Room every identity joins")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "How long identities chat after ramp-up")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per identity")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	typing := fs.Bool("typing", false, "Announce typing around every message")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Relay Prometheus endpoint")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Bench: %d identities in room %q on %s (ramp=%s, duration=%s, interval=%s)\n",
		*clients, *room, *url, *rampUp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway := issuer(cfg)
	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	sups := make([]*client.Supervisor, 0, *clients)

	// -----------------------------------------------------------------------
	// Phase 1: connect and join
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: connect ---")

	interval := *rampUp / time.Duration(*clients)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	rampTicker := time.NewTicker(interval)
	rampStart := time.Now()
	interrupted := false

	for launched := 0; launched < *clients && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-rampTicker.C:
			i := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				sup, err := benchClient(ctx, cfg, gateway, *url, *room, i, collector)
				if err != nil {
					collector.AddError()
					return
				}
				mu.Lock()
				sups = append(sups, sup)
				mu.Unlock()
			}()
		}
	}
	rampTicker.Stop()
	wg.Wait()

	fmt.Printf("Connected %d/%d in %s (%d errors)\n",
		collector.ConnectionCount(), *clients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: chat
	// -----------------------------------------------------------------------
	if !interrupted {
		fmt.Println("\n--- Phase 2: chat ---")

		chatCtx, cancel := context.WithTimeout(ctx, *duration)
		mu.Lock()
		for _, sup := range sups {
			wg.Add(1)
			go func(sup *client.Supervisor) {
				defer wg.Done()
				chatLoop(chatCtx, sup, *room, *msgInterval, *typing, collector)
			}(sup)
		}
		mu.Unlock()
		wg.Wait()
		cancel()

		// Let the last fan-outs land.
		time.Sleep(500 * time.Millisecond)
	}

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	for _, sup := range sups {
		sup.Disconnect()
	}
	mu.Unlock()
	scraper.Stop()

	collector.Report(os.Stdout)
}

func benchClient(ctx context.Context, cfg config.Config, gateway *auth.Gateway, url, room string, i int, collector *loadstats.Collector) (*client.Supervisor, error) {
	id := fmt.Sprintf("bench-%d", i)
	token, err := gateway.Issue(id, id, 0)
	if err != nil {
		return nil, err
	}

	ccfg := cfg.Client()
	ccfg.URL = url
	ccfg.Token = token
	sup := client.NewSupervisor(ccfg, nil)

	sup.On(protocol.EventMessageReceived, func(ev client.Event) {
		var msg protocol.MessageReceived
		if json.Unmarshal(ev.Data, &msg) != nil || msg.FromIdentity == id {
			return
		}
		if sent, ok := parseBenchText(msg.Text); ok {
			collector.AddFanout(time.Since(sent))
		}
	})
	sup.On(protocol.EventRateLimited, func(client.Event) { collector.AddError() })
	sup.On(protocol.EventError, func(client.Event) { collector.AddError() })

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := sup.Acquire(connCtx); err != nil {
		return nil, err
	}
	collector.AddConnect(time.Since(start))

	if err := sup.Send(protocol.RoomJoin{RoomID: room}); err != nil {
		sup.Disconnect()
		return nil, err
	}
	return sup, nil
}

func chatLoop(ctx context.Context, sup *client.Supervisor, room string, every time.Duration, typing bool, collector *loadstats.Collector) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if typing {
				sup.Keystroke(room)
			}
			err := sup.Send(protocol.MessageSend{RoomID: room, Text: benchText(time.Now())})
			if typing {
				sup.StopTyping(room)
			}
			if err != nil {
				collector.AddError()
				continue
			}
			collector.AddSent()
		}
	}
}

func benchText(t time.Time) string {
	return benchPrefix + strconv.FormatInt(t.UnixNano(), 10)
}

func parseBenchText(text string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(text, benchPrefix)
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
