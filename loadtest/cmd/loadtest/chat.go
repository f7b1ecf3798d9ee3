package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joshuadlima/ChatterBox/loadtest/client"
	"github.com/joshuadlima/ChatterBox/loadtest/stats"
)

// runChat implements the full chat lifecycle load test. Each simulated user
// pair goes through the complete flow: connect -> submit_interests ->
// start_matching -> exchange messages through the room -> end_chat. Message
// latency is measured by embedding the send time in the message text, so it
// assumes the load generator and server clocks agree (same host or NTP).
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs for full chat lifecycle")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match completion")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

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
		fmt.Println("Interrupted — skipping chat phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	mu.Lock()
	usable := len(clients) / 2 * 2
	active := make([]*client.Client, usable)
	copy(active, clients[:usable])
	mu.Unlock()

	// -----------------------------------------------------------------------
	// Phase 2 — Match pairs and run chat lifecycles
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Chat lifecycles ---")

	var pairsMatched atomic.Int64
	var pairsEnded atomic.Int64
	var msgsSent atomic.Int64
	var msgsRecv atomic.Int64

	var chatWg sync.WaitGroup

	for i := 0; i < len(active); i += 2 {
		a, b := active[i], active[i+1]
		tag := fmt.Sprintf("loadtest-chat-%d", i/2)

		chatWg.Add(1)
		go func() {
			defer chatWg.Done()

			n, err := matchPair(ctx, a, b, tag, *matchTimeout, collector)
			if err != nil || n != 2 {
				collector.AddError()
				return
			}
			pairsMatched.Add(1)

			runPairChat(ctx, a, b, *chatDuration, *msgInterval, *msgSize,
				collector, &msgsSent, &msgsRecv)
			pairsEnded.Add(1)
		}()
	}

	// Progress reporting while chats run.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] matched: %d/%d  ended: %d  sent: %d  recv: %d  errors: %d\n",
					pairsMatched.Load(), len(active)/2, pairsEnded.Load(),
					msgsSent.Load(), msgsRecv.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		chatWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during chat phase.")
	}

	close(progressStop)
	progressWg.Wait()

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs matched:     %d / %d\n", pairsMatched.Load(), len(active)/2)
	fmt.Printf("Pairs ended clean: %d / %d\n", pairsEnded.Load(), len(active)/2)
	fmt.Printf("Messages sent:     %d\n", msgsSent.Load())
	fmt.Printf("Messages received: %d\n", msgsRecv.Load())

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runPairChat exchanges messages between a matched pair for the configured
// duration, then has one side end the chat and waits for the other side's
// partner_left_chat notification.
func runPairChat(ctx context.Context, a, b *client.Client,
	duration, msgInterval time.Duration, msgSize int,
	collector *stats.Collector, msgsSent, msgsRecv *atomic.Int64) {

	onChat := func(env client.Envelope) {
		msgsRecv.Add(1)
		var data struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if d, ok := decodeSendTime(data.Message); ok {
			collector.AddMsgLatency(d)
		}
	}
	a.On(client.TypeChatMessage, onChat)
	b.On(client.TypeChatMessage, onChat)

	partnerLeft := make(chan struct{})
	var leftOnce sync.Once
	b.On(client.TypePartnerLeftChat, func(env client.Envelope) {
		leftOnce.Do(func() { close(partnerLeft) })
	})

	// Both sides send on the same interval, offset by half a period so the
	// room sees traffic in both directions.
	var sendWg sync.WaitGroup
	chatCtx, chatCancel := context.WithTimeout(ctx, duration)
	defer chatCancel()

	sender := func(c *client.Client, offset time.Duration) {
		defer sendWg.Done()
		select {
		case <-time.After(offset):
		case <-chatCtx.Done():
			return
		}
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				msg := encodeSendTime(time.Now(), msgSize)
				if err := c.Send(client.TypeChatMessage, map[string]string{"message": msg}); err != nil {
					collector.AddError()
					return
				}
				msgsSent.Add(1)
			}
		}
	}

	sendWg.Add(2)
	go sender(a, 0)
	go sender(b, msgInterval/2)
	sendWg.Wait()

	// End the chat from side A; side B should hear partner_left_chat.
	if err := a.Send(client.TypeEndChat, nil); err != nil {
		collector.AddError()
		return
	}

	select {
	case <-partnerLeft:
	case <-time.After(10 * time.Second):
		collector.AddError()
	case <-ctx.Done():
	}
}

// encodeSendTime builds a chat message payload carrying the send timestamp,
// padded to roughly the requested size.
func encodeSendTime(t time.Time, size int) string {
	msg := "t=" + strconv.FormatInt(t.UnixNano(), 10) + " "
	if pad := size - len(msg); pad > 0 {
		msg += strings.Repeat("x", pad)
	}
	return msg
}

// decodeSendTime extracts the embedded send timestamp from a chat message
// payload and returns the elapsed time since it was sent.
func decodeSendTime(msg string) (time.Duration, bool) {
	if !strings.HasPrefix(msg, "t=") {
		return 0, false
	}
	rest := msg[2:]
	if idx := strings.IndexByte(rest, ' '); idx != -1 {
		rest = rest[:idx]
	}
	nanos, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, nanos)), true
}
