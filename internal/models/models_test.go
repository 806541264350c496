package models

import (
	"errors"
	"testing"
)

func TestMessage_Validate(t *testing.T) {
	url := "https://cdn.example.com/a.png"
	empty := ""
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"text", Message{Content: "hi"}, nil},
		{"image without caption", Message{Type: MessageImage, MediaURL: &url}, nil},
		{"empty text", Message{Content: "   "}, ErrEmptyMessage},
		{"empty media url", Message{Type: MessageVideo, MediaURL: &empty}, ErrEmptyMessage},
		{"bad type", Message{Type: "AUDIO", Content: "x"}, ErrUnknownMessageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessage_ValidateDefaultsType(t *testing.T) {
	m := Message{Content: "hello"}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if m.Type != MessageText {
		t.Errorf("Type = %q, want %q", m.Type, MessageText)
	}
}
