package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joshuadlima/ChatterBox/loadtest/client"
	"github.com/joshuadlima/ChatterBox/loadtest/stats"
)

// runMatch implements the matching flow load test. It creates pairs of
// simulated users who connect, submit a pair-unique interest tag, and get
// paired through the server's atomic matching path. This test measures
// matching throughput and latency under concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for success_matched")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	var mu sync.Mutex
	clients, interrupted := connectClients(ctx, *url, totalClients, *rampUp, *concurrency, collector, &mu)

	if interrupted {
		fmt.Println("Interrupted — skipping matching phase.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// Matching needs whole pairs; drop the odd client out if a connection
	// failed somewhere.
	mu.Lock()
	usable := len(clients) / 2 * 2
	active := make([]*client.Client, usable)
	copy(active, clients[:usable])
	mu.Unlock()

	// -----------------------------------------------------------------------
	// Phase 2 — Pair up and match
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Match all pairs ---")

	var matchedClients atomic.Int64
	var matchWg sync.WaitGroup

	matchStart := time.Now()

	for i := 0; i < len(active); i += 2 {
		a, b := active[i], active[i+1]
		tag := fmt.Sprintf("loadtest-pair-%d", i/2)

		matchWg.Add(1)
		go func() {
			defer matchWg.Done()
			n, err := matchPair(ctx, a, b, tag, *matchTimeout, collector)
			matchedClients.Add(int64(n))
			if err != nil {
				collector.AddError()
			}
		}()
	}

	// Progress reporting while pairs match.
	matchProgressStop := make(chan struct{})
	var matchProgressWg sync.WaitGroup
	matchProgressWg.Add(1)
	go func() {
		defer matchProgressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				matched := matchedClients.Load()
				fmt.Printf("  [match] pairs: %d/%d  matched clients: %d  errors: %d\n",
					matched/2, len(active)/2, matched, collector.ErrorCount())
			case <-matchProgressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		matchWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during matching phase.")
	}

	close(matchProgressStop)
	matchProgressWg.Wait()

	matchElapsed := time.Since(matchStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	finalMatched := matchedClients.Load()
	successfulPairs := finalMatched / 2

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Successful pairs:  %d / %d\n", successfulPairs, len(active)/2)
	fmt.Printf("Clients matched:   %d / %d\n", finalMatched, len(active))
	fmt.Printf("Match duration:    %s\n", matchElapsed.Round(time.Millisecond))
	if matchElapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(successfulPairs)/matchElapsed.Seconds())
	}

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// connectClients ramps up the given number of WebSocket connections, waiting
// for each one's connection_established before counting it. It reports
// progress every 2 seconds and returns the connected clients plus whether the
// ramp was interrupted by a signal.
func connectClients(ctx context.Context, url string, total int, rampUp time.Duration,
	concurrency int, collector *stats.Collector, mu *sync.Mutex) ([]*client.Client, bool) {

	clients := make([]*client.Client, 0, total)
	interrupted := false

	interval := rampUp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, total, collector.ErrorCount(), rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < total {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = total // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, url)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForReady(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, total,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	return clients, interrupted
}

// matchPair drives one pair through the matching flow: both clients submit
// the shared interest tag, then one client triggers the matching transaction
// and the other is pushed into the room by the server. Returns how many of
// the two clients reached success_matched.
func matchPair(ctx context.Context, a, b *client.Client, tag string,
	timeout time.Duration, collector *stats.Collector) (int, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	aMatched := make(chan struct{})
	bMatched := make(chan struct{})
	aProfile := make(chan struct{}, 1)
	bProfile := make(chan struct{}, 1)

	var aOnce, bOnce sync.Once

	a.On(client.TypeSuccess, func(env client.Envelope) {
		select {
		case aProfile <- struct{}{}:
		default:
		}
	})
	b.On(client.TypeSuccess, func(env client.Envelope) {
		select {
		case bProfile <- struct{}{}:
		default:
		}
	})
	a.On(client.TypeSuccessMatched, func(env client.Envelope) {
		aOnce.Do(func() { close(aMatched) })
	})
	b.On(client.TypeSuccessMatched, func(env client.Envelope) {
		bOnce.Do(func() { close(bMatched) })
	})

	interests := map[string][]string{"interests": {tag}}
	if err := a.Send(client.TypeSubmitInterests, interests); err != nil {
		return 0, err
	}
	if err := b.Send(client.TypeSubmitInterests, interests); err != nil {
		return 0, err
	}

	// Both profiles must be saved before matching; submit_interests is
	// acknowledged with a success envelope.
	for _, ch := range []chan struct{}{aProfile, bProfile} {
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, fmt.Errorf("profile submit timed out for %s", tag)
		}
	}

	matchStart := time.Now()
	if err := a.Send(client.TypeStartMatching, nil); err != nil {
		return 0, err
	}

	matched := 0
	for _, ch := range []chan struct{}{aMatched, bMatched} {
		select {
		case <-ch:
			matched++
		case <-ctx.Done():
			return matched, fmt.Errorf("match timed out for %s", tag)
		}
	}

	collector.AddMatchLatency(time.Since(matchStart))
	return matched, nil
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	total := len(clients)
	fmt.Printf("Closing %d connections...\n", total)
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")
}
