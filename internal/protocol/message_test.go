package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateNameKeepsRuneBoundary(t *testing.T) {
	if got := TruncateName("héllo"); got != "héllo" {
		t.Fatalf("short name changed: %q", got)
	}

	// 25 two-byte runes fill the limit exactly.
	even := strings.Repeat("é", 30)
	if got := TruncateName(even); got != strings.Repeat("é", 25) {
		t.Fatalf("even truncation: %q (%d bytes)", got, len(got))
	}

	// An offset input would put the byte cut inside a rune.
	odd := "a" + strings.Repeat("é", 30)
	got := TruncateName(odd)
	if len(got) > MaxNameLength {
		t.Fatalf("truncated name is %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated name is not valid UTF-8: %q", got)
	}
	if got != "a"+strings.Repeat("é", 24) {
		t.Fatalf("odd truncation: %q (%d bytes)", got, len(got))
	}
}

func TestVideoSyncRequestDistinguishesAbsentFromNull(t *testing.T) {
	var absent VideoSyncRequest
	if err := json.Unmarshal([]byte(`{"currentTime": 12}`), &absent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if absent.VideoURL.Set {
		t.Fatal("absent videoUrl reported as set")
	}
	if absent.CurrentTime == nil || *absent.CurrentTime != 12 {
		t.Fatalf("currentTime = %v", absent.CurrentTime)
	}
	if absent.IsPlaying != nil {
		t.Fatal("absent isPlaying reported as set")
	}

	var null VideoSyncRequest
	if err := json.Unmarshal([]byte(`{"videoUrl": null}`), &null); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !null.VideoURL.Set || null.VideoURL.Value != "" {
		t.Fatalf("null videoUrl: %#v", null.VideoURL)
	}

	var set VideoSyncRequest
	if err := json.Unmarshal([]byte(`{"videoUrl": "https://example.com/a.mp4"}`), &set); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !set.VideoURL.Set || set.VideoURL.Value != "https://example.com/a.mp4" {
		t.Fatalf("set videoUrl: %#v", set.VideoURL)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Encode(EventChatMessage, ChatSend{Content: "hi"})
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != EventChatMessage {
		t.Fatalf("type = %s", back.Type)
	}
	var msg ChatSend
	if err := json.Unmarshal(back.Data, &msg); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if msg.Content != "hi" {
		t.Fatalf("content = %s", msg.Content)
	}
}

func TestEncodeNilOmitsData(t *testing.T) {
	raw, err := json.Marshal(Encode(EventGetRooms, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"type":"get-rooms"}` {
		t.Fatalf("unexpected frame: %s", raw)
	}
}
