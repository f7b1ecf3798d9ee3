package room

import (
	"strings"
	"testing"
)

func TestValidateMessage_Valid(t *testing.T) {
	if err := ValidateMessage("Hello partner!"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateMessage_Empty(t *testing.T) {
	if err := ValidateMessage(""); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestValidateMessage_TooLong(t *testing.T) {
	if err := ValidateMessage(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestValidateMessage_TooManyChars(t *testing.T) {
	// Multi-byte runes: under the byte cap but over the character cap.
	if err := ValidateMessage(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("expected error for too many characters")
	}
}

func TestValidateMessage_InvalidUTF8(t *testing.T) {
	if err := ValidateMessage(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
