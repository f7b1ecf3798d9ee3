// Package main implements a standalone end-to-end integration test for the
// ChatterBox matchmaking server. It validates the full user journey against a
// running stack: health checks, WebSocket session setup, interest submission,
// atomic matching, chat relay, WebRTC signal relay, end chat, and the error
// envelopes for malformed or premature requests.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joshuadlima/ChatterBox/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== ChatterBox E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2Connect(ctx, *wsURL))
	results = append(results, scenario3Preconditions(ctx, *wsURL))

	// Scenarios 4-6 share a matched pair; run them as a group.
	s4, s5, s6 := scenario456MatchChatEnd(ctx, *wsURL)
	results = append(results, s4, s5, s6)

	// Optional scenario (non-fatal).
	results = append(results, scenario7MessageValidation(ctx, *wsURL))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// capture registers a handler that forwards every envelope of msgType into
// the returned channel.
func capture(c *client.Client, msgType string) <-chan client.Envelope {
	ch := make(chan client.Envelope, 16)
	c.On(msgType, func(env client.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	return ch
}

// waitEnvelope waits for one envelope on ch or times out.
func waitEnvelope(ctx context.Context, ch <-chan client.Envelope, wait time.Duration) (client.Envelope, error) {
	select {
	case env := <-ch:
		return env, nil
	case <-time.After(wait):
		return client.Envelope{}, fmt.Errorf("timed out after %s", wait)
	case <-ctx.Done():
		return client.Envelope{}, ctx.Err()
	}
}

// connectReady dials the server and waits for connection_established.
func connectReady(ctx context.Context, wsURL string) (*client.Client, error) {
	c, err := client.New(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForReady(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// errorCode extracts the error code from an error envelope's data payload.
func errorCode(env client.Envelope) string {
	var data struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(env.Data, &data)
	return data.Code
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status=%q", healthResp.Status)}
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "chatterbox_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing chatterbox_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d", healthResp.Connections)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and session setup
// ---------------------------------------------------------------------------

func scenario2Connect(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect & Session Setup"

	c, err := connectReady(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 3: Precondition errors
// ---------------------------------------------------------------------------

func scenario3Preconditions(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 3: Precondition Errors"

	c, err := connectReady(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	errCh := capture(c, client.TypeError)

	// 3a. start_matching without a profile -> no_profile.
	if err := c.Send(client.TypeStartMatching, nil); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send start_matching: %v", err)}
	}
	env, err := waitEnvelope(ctx, errCh, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, "no error for premature start_matching"}
	}
	if code := errorCode(env); code != "no_profile" {
		return scenarioResult{name, resultFail, fmt.Sprintf("premature start_matching code=%q", code)}
	}

	// 3b. chat_message outside a room -> not_in_room.
	if err := c.Send(client.TypeChatMessage, map[string]string{"message": "hello"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send chat_message: %v", err)}
	}
	env, err = waitEnvelope(ctx, errCh, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, "no error for roomless chat_message"}
	}
	if code := errorCode(env); code != "not_in_room" {
		return scenarioResult{name, resultFail, fmt.Sprintf("roomless chat_message code=%q", code)}
	}

	// 3c. unknown message type -> error envelope, connection stays up.
	if err := c.Send("definitely_not_a_type", nil); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send unknown type: %v", err)}
	}
	if _, err := waitEnvelope(ctx, errCh, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, "no error for unknown message type"}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenarios 4-6: Match, Chat Relay, End Chat
// ---------------------------------------------------------------------------

func scenario456MatchChatEnd(ctx context.Context, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	s4name := "Scenario 4: Atomic Matching"
	s5name := "Scenario 5: Chat & Signal Relay"
	s6name := "Scenario 6: End Chat"

	fail := func(name, detail string) scenarioResult {
		return scenarioResult{name, resultFail, detail}
	}
	skipped := func(name string) scenarioResult {
		return scenarioResult{name, resultFail, "skipped: earlier scenario failed"}
	}

	a, err := connectReady(ctx, wsURL)
	if err != nil {
		return fail(s4name, err.Error()), skipped(s5name), skipped(s6name)
	}
	defer a.Close()

	b, err := connectReady(ctx, wsURL)
	if err != nil {
		return fail(s4name, err.Error()), skipped(s5name), skipped(s6name)
	}
	defer b.Close()

	aMatched := capture(a, client.TypeSuccessMatched)
	bMatched := capture(b, client.TypeSuccessMatched)
	aChat := capture(a, client.TypeChatMessage)
	bChat := capture(b, client.TypeChatMessage)
	bSignal := capture(b, client.TypeWebRTCSignal)
	bLeft := capture(b, client.TypePartnerLeftChat)

	// --- Scenario 4: submit interests on both sides, match from A ---
	tag := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	interests := map[string][]string{"interests": {tag}}

	aOK := capture(a, client.TypeSuccess)
	bOK := capture(b, client.TypeSuccess)

	if err := a.Send(client.TypeSubmitInterests, interests); err != nil {
		return fail(s4name, err.Error()), skipped(s5name), skipped(s6name)
	}
	if err := b.Send(client.TypeSubmitInterests, interests); err != nil {
		return fail(s4name, err.Error()), skipped(s5name), skipped(s6name)
	}
	if _, err := waitEnvelope(ctx, aOK, 5*time.Second); err != nil {
		return fail(s4name, "no ack for A's interests"), skipped(s5name), skipped(s6name)
	}
	if _, err := waitEnvelope(ctx, bOK, 5*time.Second); err != nil {
		return fail(s4name, "no ack for B's interests"), skipped(s5name), skipped(s6name)
	}

	if err := a.Send(client.TypeStartMatching, nil); err != nil {
		return fail(s4name, err.Error()), skipped(s5name), skipped(s6name)
	}

	aEnv, err := waitEnvelope(ctx, aMatched, 10*time.Second)
	if err != nil {
		return fail(s4name, "A never matched"), skipped(s5name), skipped(s6name)
	}
	bEnv, err := waitEnvelope(ctx, bMatched, 10*time.Second)
	if err != nil {
		return fail(s4name, "B never matched"), skipped(s5name), skipped(s6name)
	}

	var aRoom, bRoom struct {
		RoomID string `json:"room_id"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(aEnv.Data, &aRoom); err != nil {
		return fail(s4name, "A's success_matched payload unparsable"), skipped(s5name), skipped(s6name)
	}
	if err := json.Unmarshal(bEnv.Data, &bRoom); err != nil {
		return fail(s4name, "B's success_matched payload unparsable"), skipped(s5name), skipped(s6name)
	}

	s4 := scenarioResult{s4name, resultPass, fmt.Sprintf("room=%s roles=%s/%s", aRoom.RoomID, aRoom.Role, bRoom.Role)}
	switch {
	case aRoom.RoomID == "" || aRoom.RoomID != bRoom.RoomID:
		s4 = fail(s4name, fmt.Sprintf("room mismatch: %q vs %q", aRoom.RoomID, bRoom.RoomID))
	case aRoom.Role != "caller" || bRoom.Role != "callee":
		s4 = fail(s4name, fmt.Sprintf("unexpected roles: %q/%q", aRoom.Role, bRoom.Role))
	}
	if s4.kind == resultFail {
		return s4, skipped(s5name), skipped(s6name)
	}

	// --- Scenario 5: relay a chat message each way plus a signal ---
	if err := a.Send(client.TypeChatMessage, map[string]string{"message": "hello from A"}); err != nil {
		return s4, fail(s5name, err.Error()), skipped(s6name)
	}
	env, err := waitEnvelope(ctx, bChat, 5*time.Second)
	if err != nil {
		return s4, fail(s5name, "B never received A's message"), skipped(s6name)
	}
	var chatData struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &chatData); err != nil || chatData.Message != "hello from A" {
		return s4, fail(s5name, fmt.Sprintf("B got %q", chatData.Message)), skipped(s6name)
	}

	if err := b.Send(client.TypeChatMessage, map[string]string{"message": "hello from B"}); err != nil {
		return s4, fail(s5name, err.Error()), skipped(s6name)
	}
	if _, err := waitEnvelope(ctx, aChat, 5*time.Second); err != nil {
		return s4, fail(s5name, "A never received B's message"), skipped(s6name)
	}

	signal := map[string]interface{}{"sdp": "v=0 fake-offer", "kind": "offer"}
	if err := a.Send(client.TypeWebRTCSignal, signal); err != nil {
		return s4, fail(s5name, err.Error()), skipped(s6name)
	}
	sigEnv, err := waitEnvelope(ctx, bSignal, 5*time.Second)
	if err != nil {
		return s4, fail(s5name, "B never received A's signal"), skipped(s6name)
	}
	var sigData struct {
		SDP  string `json:"sdp"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(sigEnv.Data, &sigData); err != nil || sigData.Kind != "offer" {
		return s4, fail(s5name, "signal payload mangled in relay"), skipped(s6name)
	}

	s5 := scenarioResult{s5name, resultPass, ""}

	// --- Scenario 6: A ends the chat, B hears partner_left_chat ---
	if err := a.Send(client.TypeEndChat, nil); err != nil {
		return s4, s5, fail(s6name, err.Error())
	}
	if _, err := waitEnvelope(ctx, bLeft, 10*time.Second); err != nil {
		return s4, s5, fail(s6name, "B never notified of partner leaving")
	}

	return s4, s5, scenarioResult{s6name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 7: Message validation (optional)
// ---------------------------------------------------------------------------

func scenario7MessageValidation(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 7: Message Validation"

	a, err := connectReady(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer a.Close()
	b, err := connectReady(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer b.Close()

	aMatched := capture(a, client.TypeSuccessMatched)
	bMatched := capture(b, client.TypeSuccessMatched)
	errCh := capture(a, client.TypeError)

	tag := fmt.Sprintf("e2e-val-%d", time.Now().UnixNano())
	interests := map[string][]string{"interests": {tag}}
	_ = a.Send(client.TypeSubmitInterests, interests)
	_ = b.Send(client.TypeSubmitInterests, interests)
	time.Sleep(500 * time.Millisecond)
	_ = a.Send(client.TypeStartMatching, nil)

	if _, err := waitEnvelope(ctx, aMatched, 10*time.Second); err != nil {
		return scenarioResult{name, resultInfo, "pair never matched"}
	}
	if _, err := waitEnvelope(ctx, bMatched, 10*time.Second); err != nil {
		return scenarioResult{name, resultInfo, "pair never matched"}
	}

	// An oversize message must be rejected with invalid_message.
	oversize := strings.Repeat("a", 5000)
	if err := a.Send(client.TypeChatMessage, map[string]string{"message": oversize}); err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	env, err := waitEnvelope(ctx, errCh, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultInfo, "oversize message not rejected"}
	}
	if code := errorCode(env); code != "invalid_message" {
		return scenarioResult{name, resultInfo, fmt.Sprintf("oversize message code=%q", code)}
	}

	return scenarioResult{name, resultPass, ""}
}
