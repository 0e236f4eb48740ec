package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeAssignID(t *testing.T) {
	got := EncodeAssignID(0x01020304)
	want := []byte{0xFF, 0xFE, 0x01, 0x00, 0x01, 0x02, 0x03, 0x04}

	if !bytes.Equal(got, want) {
		t.Errorf("EncodeAssignID = % x, want % x", got, want)
	}
}

func TestEncodeAck(t *testing.T) {
	got := EncodeAck()
	want := []byte{0xFF, 0xFE, 0x02, 0x00}

	if !bytes.Equal(got, want) {
		t.Errorf("EncodeAck = % x, want % x", got, want)
	}
}

func TestDecodeAssignID(t *testing.T) {
	msg, err := Decode(EncodeAssignID(7))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	assign, ok := msg.(AssignID)
	if !ok {
		t.Fatalf("Expected AssignID, got %T", msg)
	}
	if assign.PeerID != 7 {
		t.Errorf("Expected peer id 7, got %d", assign.PeerID)
	}
}

func TestDecodeAck(t *testing.T) {
	msg, err := Decode(EncodeAck())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := msg.(Ack); !ok {
		t.Errorf("Expected Ack, got %T", msg)
	}
}

func TestDecodeReservedType(t *testing.T) {
	msg, err := Decode([]byte{0xFF, 0xFE, 0x7F, 0x00, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	unknown, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("Expected Unknown, got %T", msg)
	}
	if unknown.Type().String() != "UNKNOWN" {
		t.Errorf("Expected UNKNOWN, got %s", unknown.Type())
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte("hello world")); !errors.Is(err, ErrNotHandshake) {
		t.Errorf("Expected ErrNotHandshake, got %v", err)
	}
	if _, err := Decode([]byte{0xFF, 0xFE, 0x01}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame, got %v", err)
	}
	if _, err := Decode([]byte{0xFF, 0xFE, 0x01, 0x00, 0x00}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame for truncated AssignID, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := Encode(&AssignID{PeerID: 42})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.(AssignID).PeerID != 42 {
		t.Errorf("Expected 42, got %d", msg.(AssignID).PeerID)
	}

	if _, err := Encode(Unknown{Raw: 0x09}); err == nil {
		t.Error("Expected error encoding an unknown message")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		expected Kind
	}{
		{"empty", nil, KindData},
		{"plain text", []byte("hello, world"), KindData},
		{"assign id", EncodeAssignID(2), KindHandshake},
		{"ack", EncodeAck(), KindHandshake},
		{"reserved type long", []byte{0xFF, 0xFE, 0x33, 0x00, 1, 2, 3, 4, 5}, KindHandshake},
		{"magic only", []byte{0xFF, 0xFE}, KindData},
		{"short non-ack", []byte{0xFF, 0xFE, 0x01, 0x00}, KindData},
		{"seven bytes", []byte{0xFF, 0xFE, 0x02, 0x00, 0, 0, 0}, KindData},
		{"reversed magic", []byte{0xFE, 0xFF, 0x01, 0x00, 0, 0, 0, 2}, KindData},
	}

	for _, tt := range tests {
		if got := Classify(tt.payload); got != tt.expected {
			t.Errorf("%s: Classify = %s, want %s", tt.name, got, tt.expected)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		expected string
		msgType  MessageType
	}{
		{"ASSIGN_ID", MsgAssignID},
		{"ACK", MsgAck},
		{"UNKNOWN", MessageType(0xEE)},
	}

	for _, tt := range tests {
		if got := tt.msgType.String(); got != tt.expected {
			t.Errorf("%v.String() = %s, want %s", tt.msgType, got, tt.expected)
		}
	}
}
