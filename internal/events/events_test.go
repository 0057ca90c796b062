package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	update := BalanceUpdate{
		SessionID:       "sess-1",
		PreviousBalance: 1000,
		NewBalance:      1500,
		Delta:           500,
		Classification:  ClassWin,
		Won:             500,
		Timestamp:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	env, err := NewEnvelope(EventBalanceUpdate, update)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var parsed Envelope
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if parsed.EventType != EventBalanceUpdate {
		t.Fatalf("expected balance_update, got %s", parsed.EventType)
	}

	var decoded BalanceUpdate
	if err := parsed.Decode(&decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Delta != 500 || decoded.Classification != ClassWin {
		t.Fatalf("payload mangled: %+v", decoded)
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env, err := NewEnvelope(EventSystemAlert, SystemAlert{
		Severity:  "warning",
		Component: "pitboss",
		Message:   "worker restarted",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, _ := json.Marshal(env)
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := wire["event_type"]; !ok {
		t.Fatalf("missing event_type key: %s", raw)
	}
	if _, ok := wire["data"]; !ok {
		t.Fatalf("missing data key: %s", raw)
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, et := range []EventType{
		EventBalanceUpdate, EventBigWin, EventStreamStart, EventStreamEnd,
		EventGameChange, EventViewerUpdate, EventBonusTrigger,
		EventBonusHuntStart, EventBonusHuntEnd, EventSlotHot, EventSlotCold,
		EventSystemAlert,
	} {
		if !et.Valid() {
			t.Fatalf("expected %s to be valid", et)
		}
	}
	if EventType("jackpot").Valid() {
		t.Fatalf("expected unknown type to be invalid")
	}
}

func TestTopicBuilders(t *testing.T) {
	if got := StreamTopic("sess-9"); got != "slotfeed:stream:sess-9" {
		t.Fatalf("StreamTopic: %s", got)
	}
	if got := StreamerTopic("str-2"); got != "slotfeed:streamer:str-2" {
		t.Fatalf("StreamerTopic: %s", got)
	}
	if got := GameTopic("game-7"); got != "slotfeed:game:game-7" {
		t.Fatalf("GameTopic: %s", got)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, channel string
		want             bool
	}{
		{"slotfeed:live", "slotfeed:live", true},
		{"slotfeed:live", "slotfeed:live:extra", false},
		{"slotfeed:*", "slotfeed:live", true},
		{"slotfeed:*", "slotfeed:stream:sess-1", true},
		{"slotfeed:*", "otherfeed:live", false},
		{"slotfeed:stream:*", "slotfeed:stream:sess-1", true},
		{"slotfeed:stream:*", "slotfeed:streamer:str-1", false},
		{"*", "anything", true},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.channel); got != tc.want {
			t.Fatalf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.channel, got, tc.want)
		}
	}
}
