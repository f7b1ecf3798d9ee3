package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid submit_interests envelope
// ---------------------------------------------------------------------------

func TestParseEnvelope_SubmitInterests(t *testing.T) {
	input := []byte(`{
		"type": "submit_interests",
		"description": "Request to submit interests",
		"timestamp": "2025-10-01T12:00:00Z",
		"data": { "interests": ["music", "gaming", "anime"] }
	}`)

	env, err := ParseEnvelope(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeSubmitInterests {
		t.Fatalf("expected type %q, got %q", TypeSubmitInterests, env.Type)
	}

	var data SubmitInterestsData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	expected := []string{"music", "gaming", "anime"}
	if len(data.Interests) != len(expected) {
		t.Fatalf("expected %d interests, got %d", len(expected), len(data.Interests))
	}
	for i, v := range expected {
		if data.Interests[i] != v {
			t.Errorf("interest[%d]: expected %q, got %q", i, v, data.Interests[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat_message envelope
// ---------------------------------------------------------------------------

func TestParseEnvelope_ChatMessage(t *testing.T) {
	input := []byte(`{"type":"chat_message","timestamp":"2025-10-01T12:00:00Z","data":{"message":"Hello partner!"}}`)

	env, err := ParseEnvelope(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeChatMessage {
		t.Fatalf("expected type %q, got %q", TypeChatMessage, env.Type)
	}

	var data ChatMessageData
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if data.Message != "Hello partner!" {
		t.Errorf("expected message %q, got %q", "Hello partner!", data.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelopes without a data object still parse
// ---------------------------------------------------------------------------

func TestParseEnvelope_NoData(t *testing.T) {
	input := []byte(`{"type":"start_matching","description":"Request to start matching","timestamp":"2025-10-01T12:00:00Z"}`)

	env, err := ParseEnvelope(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeStartMatching {
		t.Fatalf("expected type %q, got %q", TypeStartMatching, env.Type)
	}
	if env.Data != nil {
		t.Errorf("expected nil data, got %s", env.Data)
	}

	var data ChatMessageData
	if err := env.DecodeData(&data); err == nil {
		t.Error("expected error decoding data from envelope with no data field")
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input is rejected
// ---------------------------------------------------------------------------

func TestParseEnvelope_InvalidJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseEnvelope_MissingType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"description":"no type here","timestamp":"2025-10-01T12:00:00Z"}`)); err == nil {
		t.Error("expected error for missing type field")
	}
}

func TestParseEnvelope_EmptyType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":"","timestamp":"2025-10-01T12:00:00Z"}`)); err == nil {
		t.Error("expected error for empty type field")
	}
}

// ---------------------------------------------------------------------------
// Test: Outbound envelope builder
// ---------------------------------------------------------------------------

func TestNewMessage_StampsTimestampAndType(t *testing.T) {
	out, err := NewMessage(TypeSuccessMatched, "You have been placed in a room", MatchedData{
		RoomID: "room_ab12cd34",
		Role:   RoleCaller,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if env.Type != TypeSuccessMatched {
		t.Errorf("expected type %q, got %q", TypeSuccessMatched, env.Type)
	}
	if env.Description != "You have been placed in a room" {
		t.Errorf("unexpected description %q", env.Description)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", env.Timestamp, err)
	}

	var data MatchedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if data.RoomID != "room_ab12cd34" || data.Role != RoleCaller {
		t.Errorf("unexpected matched data: %+v", data)
	}
}

func TestNewMessage_NilDataOmitsField(t *testing.T) {
	out, err := NewMessage(TypeConnectionEstablished, "Connection established successfully", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if _, present := m["data"]; present {
		t.Error("expected data field to be omitted for nil payload")
	}
}

func TestNewRawMessage_PreservesPayload(t *testing.T) {
	payload := json.RawMessage(`{"sdp":"v=0...","kind":"offer"}`)

	out, err := NewRawMessage(TypeWebRTCSignal, "Signaling payload from partner", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("failed to decode relayed payload: %v", err)
	}
	if got["kind"] != "offer" {
		t.Errorf("expected relayed payload intact, got %v", got)
	}
}
