// internal/types/ids_test.go
package types

import (
	"strings"
	"testing"
)

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	if id == "" {
		t.Error("expected non-empty JobID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestConversationIDFormat(t *testing.T) {
	id := NewConversationID("telegram", "123", "456")
	expected := ConversationID("telegram:123:456")
	if id != expected {
		t.Errorf("expected %s, got %s", expected, id)
	}
}

func TestStreamingItemIDPrefix(t *testing.T) {
	a, b := NewStreamingItemID(), NewStreamingItemID()
	if !strings.HasPrefix(string(a), "stream-") {
		t.Errorf("expected stream- prefix, got %s", a)
	}
	if a == b {
		t.Error("expected distinct streaming ids")
	}
}
