package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joshuadlima/ChatterBox/internal/matching"
	"github.com/joshuadlima/ChatterBox/internal/messaging"
	"github.com/joshuadlima/ChatterBox/internal/protocol"
	"github.com/joshuadlima/ChatterBox/internal/room"
	"github.com/joshuadlima/ChatterBox/internal/store"
)

// fakeConn is an in-memory Writer that collects every outbound envelope.
type fakeConn struct {
	frames chan protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan protocol.Envelope, 64)}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	select {
	case f.frames <- env:
	default:
	}
	return nil
}

// waitFor drains the connection's frames until one of the given type arrives.
// Envelopes of other types are discarded; pub/sub delivery order between
// unrelated types is not deterministic.
func (f *fakeConn) waitFor(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-f.frames:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q envelope", msgType)
			return protocol.Envelope{}
		}
	}
}

// setupTestHandler wires a Handler to a real Redis (DB 15) and NATS instance.
// Both must be running locally; tests are skipped otherwise.
func setupTestHandler(t *testing.T) (*Handler, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	bus, err := messaging.NewClient(messaging.DefaultConfig())
	if err != nil {
		rdb.Close()
		t.Skipf("skipping: NATS not available: %v", err)
	}

	t.Cleanup(func() {
		bus.Close()
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	client := store.NewClientFromRedis(rdb)
	engine := matching.NewEngine(client, store.NewRegistry(client))
	relay := room.NewRelay(bus)

	return NewHandler(engine, relay, bus, nil), ctx
}

// connect establishes a test session and consumes the connection_established
// envelope so later assertions start from a clean frame stream.
func connect(t *testing.T, h *Handler, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	if _, err := h.Connect(userID, conn); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	conn.waitFor(t, protocol.TypeConnectionEstablished)
	return conn
}

func envelope(t *testing.T, msgType string, data interface{}) *protocol.Envelope {
	t.Helper()
	raw, err := protocol.NewMessage(msgType, "", data)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

func submitInterests(t *testing.T, h *Handler, userID string, conn *fakeConn, tags ...string) {
	t.Helper()
	h.SubmitInterests(userID, envelope(t, protocol.TypeSubmitInterests,
		protocol.SubmitInterestsData{Interests: tags}))
	conn.waitFor(t, protocol.TypeSuccess)
}

// matchUsers pairs alice and bob on a shared tag and waits until both sides
// hold their success_matched envelope. Returns the decoded room assignments.
func matchUsers(t *testing.T, h *Handler, aliceConn, bobConn *fakeConn) (aliceRoom, bobRoom protocol.MatchedData) {
	t.Helper()

	submitInterests(t, h, "alice", aliceConn, "music")
	submitInterests(t, h, "bob", bobConn, "music")

	h.StartMatching("alice", envelope(t, protocol.TypeStartMatching, nil))

	env := aliceConn.waitFor(t, protocol.TypeSuccessMatched)
	if err := env.DecodeData(&aliceRoom); err != nil {
		t.Fatalf("decode alice's success_matched: %v", err)
	}
	env = bobConn.waitFor(t, protocol.TypeSuccessMatched)
	if err := env.DecodeData(&bobRoom); err != nil {
		t.Fatalf("decode bob's success_matched: %v", err)
	}
	return aliceRoom, bobRoom
}

func TestHandler_MatchLifecycle(t *testing.T) {
	h, _ := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")

	aliceRoom, bobRoom := matchUsers(t, h, aliceConn, bobConn)

	if aliceRoom.RoomID == "" || aliceRoom.RoomID != bobRoom.RoomID {
		t.Fatalf("expected both sides in one room, got %q and %q", aliceRoom.RoomID, bobRoom.RoomID)
	}
	if aliceRoom.Role != protocol.RoleCaller {
		t.Errorf("expected initiator role %q, got %q", protocol.RoleCaller, aliceRoom.Role)
	}
	if bobRoom.Role != protocol.RoleCallee {
		t.Errorf("expected claimed side role %q, got %q", protocol.RoleCallee, bobRoom.Role)
	}
}

func TestHandler_ChatRelayExcludesSender(t *testing.T) {
	h, _ := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	matchUsers(t, h, aliceConn, bobConn)

	h.ChatMessage("alice", envelope(t, protocol.TypeChatMessage,
		protocol.ChatMessageData{Message: "hello bob"}))

	env := bobConn.waitFor(t, protocol.TypeChatMessage)
	var data protocol.ChatMessageData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode chat data: %v", err)
	}
	if data.Message != "hello bob" {
		t.Errorf("expected %q, got %q", "hello bob", data.Message)
	}

	// The sender must not receive an echo of its own message.
	select {
	case env := <-aliceConn.frames:
		if env.Type == protocol.TypeChatMessage {
			t.Errorf("sender received echo of own message")
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestHandler_SignalRelayPreservesPayload(t *testing.T) {
	h, _ := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	matchUsers(t, h, aliceConn, bobConn)

	payload := map[string]interface{}{"kind": "offer", "sdp": "v=0 test-sdp"}
	h.WebRTCSignal("alice", envelope(t, protocol.TypeWebRTCSignal, payload))

	env := bobConn.waitFor(t, protocol.TypeWebRTCSignal)
	var got struct {
		Kind string `json:"kind"`
		SDP  string `json:"sdp"`
	}
	if err := env.DecodeData(&got); err != nil {
		t.Fatalf("decode signal data: %v", err)
	}
	if got.Kind != "offer" || got.SDP != "v=0 test-sdp" {
		t.Errorf("signal payload mangled: %+v", got)
	}
}

func TestHandler_EndChatNotifiesPartner(t *testing.T) {
	h, ctx := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	matchUsers(t, h, aliceConn, bobConn)

	h.EndChat("alice", envelope(t, protocol.TypeEndChat, nil))

	aliceConn.waitFor(t, protocol.TypeSuccess)
	bobConn.waitFor(t, protocol.TypePartnerLeftChat)

	// Both profiles must survive with pairings cleared so either side can
	// start matching again without resubmitting interests.
	partner, err := h.engine.Partner(ctx, "bob")
	if err != nil {
		t.Fatalf("partner lookup: %v", err)
	}
	if partner != "" {
		t.Errorf("expected bob's pairing cleared, got partner %q", partner)
	}
	interests, err := h.engine.Interests(ctx, "bob")
	if err != nil {
		t.Fatalf("interests lookup: %v", err)
	}
	if interests == nil {
		t.Error("expected bob's profile to survive end_chat")
	}
}

func TestHandler_DisconnectNotifiesPartner(t *testing.T) {
	h, ctx := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	matchUsers(t, h, aliceConn, bobConn)

	h.Disconnect("alice")

	bobConn.waitFor(t, protocol.TypePartnerLeftChat)

	// Alice's profile is gone entirely; bob's pairing is cleared.
	interests, err := h.engine.Interests(ctx, "alice")
	if err != nil {
		t.Fatalf("interests lookup: %v", err)
	}
	if interests != nil {
		t.Errorf("expected alice's profile deleted on disconnect, got %v", interests)
	}
	partner, err := h.engine.Partner(ctx, "bob")
	if err != nil {
		t.Fatalf("partner lookup: %v", err)
	}
	if partner != "" {
		t.Errorf("expected bob's pairing cleared, got partner %q", partner)
	}
}

func TestHandler_StartMatchingWithoutProfile(t *testing.T) {
	h, _ := setupTestHandler(t)

	conn := connect(t, h, "alice")

	h.StartMatching("alice", envelope(t, protocol.TypeStartMatching, nil))

	env := conn.waitFor(t, protocol.TypeError)
	var data protocol.ErrorData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.Code != "no_profile" {
		t.Errorf("expected code %q, got %q", "no_profile", data.Code)
	}
}

func TestHandler_NoMatchWhenAlone(t *testing.T) {
	h, _ := setupTestHandler(t)

	conn := connect(t, h, "alice")
	submitInterests(t, h, "alice", conn, "knitting")

	h.StartMatching("alice", envelope(t, protocol.TypeStartMatching, nil))

	conn.waitFor(t, protocol.TypeNoMatch)
}

func TestHandler_ChatMessageOutsideRoom(t *testing.T) {
	h, _ := setupTestHandler(t)

	conn := connect(t, h, "alice")

	h.ChatMessage("alice", envelope(t, protocol.TypeChatMessage,
		protocol.ChatMessageData{Message: "anyone there?"}))

	env := conn.waitFor(t, protocol.TypeError)
	var data protocol.ErrorData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.Code != "not_in_room" {
		t.Errorf("expected code %q, got %q", "not_in_room", data.Code)
	}
}

func TestHandler_InvalidInterestsRejected(t *testing.T) {
	h, _ := setupTestHandler(t)

	conn := connect(t, h, "alice")

	h.SubmitInterests("alice", envelope(t, protocol.TypeSubmitInterests,
		protocol.SubmitInterestsData{Interests: []string{"a,b"}}))

	env := conn.waitFor(t, protocol.TypeError)
	var data protocol.ErrorData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.Code != "invalid_interests" {
		t.Errorf("expected code %q, got %q", "invalid_interests", data.Code)
	}
}

// TestHandler_ResubmitInterestsEndsChat covers the implicit end_chat: a
// paired user resubmitting interests severs the pairing on both sides and
// the partner hears about it just like on an explicit end_chat.
func TestHandler_ResubmitInterestsEndsChat(t *testing.T) {
	h, ctx := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	matchUsers(t, h, aliceConn, bobConn)

	submitInterests(t, h, "alice", aliceConn, "travel")

	bobConn.waitFor(t, protocol.TypePartnerLeftChat)

	if p, _ := h.engine.Partner(ctx, "alice"); p != "" {
		t.Errorf("expected alice's pairing cleared, got %q", p)
	}
	if p, _ := h.engine.Partner(ctx, "bob"); p != "" {
		t.Errorf("expected bob's pairing cleared, got %q", p)
	}
	if roomID, _ := h.lookup("alice").Room(); roomID != "" {
		t.Errorf("expected alice out of the room, still in %q", roomID)
	}
}

// TestHandler_PartnerInRoomBeforeMatchReply verifies both members hold the
// room by the time the initiator's call returns, so a message fired straight
// after success_matched is already deliverable to the partner.
func TestHandler_PartnerInRoomBeforeMatchReply(t *testing.T) {
	h, _ := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	submitInterests(t, h, "alice", aliceConn, "music")
	submitInterests(t, h, "bob", bobConn, "music")

	h.StartMatching("alice", envelope(t, protocol.TypeStartMatching, nil))

	roomID, role := h.lookup("bob").Room()
	if roomID == "" {
		t.Fatal("expected claimed side in a room before the initiator's reply")
	}
	if role != protocol.RoleCallee {
		t.Errorf("expected claimed side role %q, got %q", protocol.RoleCallee, role)
	}
	if aliceRoom, _ := h.lookup("alice").Room(); aliceRoom != roomID {
		t.Errorf("expected one shared room, got %q and %q", aliceRoom, roomID)
	}

	// No waiting for bob's control event: the relay must already reach him.
	h.ChatMessage("alice", envelope(t, protocol.TypeChatMessage,
		protocol.ChatMessageData{Message: "first words"}))

	env := bobConn.waitFor(t, protocol.TypeChatMessage)
	var data protocol.ChatMessageData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode chat data: %v", err)
	}
	if data.Message != "first words" {
		t.Errorf("expected %q, got %q", "first words", data.Message)
	}
}

func TestHandler_RematchAfterEndChat(t *testing.T) {
	h, _ := setupTestHandler(t)

	aliceConn := connect(t, h, "alice")
	bobConn := connect(t, h, "bob")
	first, _ := matchUsers(t, h, aliceConn, bobConn)

	h.EndChat("bob", envelope(t, protocol.TypeEndChat, nil))
	bobConn.waitFor(t, protocol.TypeSuccess)
	aliceConn.waitFor(t, protocol.TypePartnerLeftChat)

	// Profiles survived, so re-entering the pools and matching again works
	// without a fresh submit_interests.
	submitInterests(t, h, "alice", aliceConn, "music")
	submitInterests(t, h, "bob", bobConn, "music")

	h.StartMatching("bob", envelope(t, protocol.TypeStartMatching, nil))

	env := bobConn.waitFor(t, protocol.TypeSuccessMatched)
	var second protocol.MatchedData
	if err := env.DecodeData(&second); err != nil {
		t.Fatalf("decode success_matched: %v", err)
	}
	aliceConn.waitFor(t, protocol.TypeSuccessMatched)

	if second.RoomID == "" {
		t.Fatal("expected a room on rematch")
	}
	if second.RoomID == first.RoomID {
		t.Errorf("expected a fresh room token, got %q twice", second.RoomID)
	}
}
