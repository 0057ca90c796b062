package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of payload carried by an envelope.
type EventType string

const (
	EventBalanceUpdate  EventType = "balance_update"
	EventBigWin         EventType = "big_win"
	EventStreamStart    EventType = "stream_start"
	EventStreamEnd      EventType = "stream_end"
	EventGameChange     EventType = "game_change"
	EventViewerUpdate   EventType = "viewer_update"
	EventBonusTrigger   EventType = "bonus_trigger"
	EventBonusHuntStart EventType = "bonus_hunt_start"
	EventBonusHuntEnd   EventType = "bonus_hunt_end"
	EventSlotHot        EventType = "slot_hot"
	EventSlotCold       EventType = "slot_cold"
	EventSystemAlert    EventType = "system_alert"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventBalanceUpdate, EventBigWin, EventStreamStart, EventStreamEnd,
		EventGameChange, EventViewerUpdate, EventBonusTrigger,
		EventBonusHuntStart, EventBonusHuntEnd, EventSlotHot, EventSlotCold,
		EventSystemAlert:
		return true
	}
	return false
}

// Envelope is the wire format every channel message uses.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an envelope.
func NewEnvelope(eventType EventType, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{EventType: eventType, Data: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Classification describes what a balance delta represents.
type Classification string

const (
	ClassBet  Classification = "bet"
	ClassWin  Classification = "win"
	ClassNone Classification = "none"
)

// Tier grades a big win by its multiplier.
type Tier string

const (
	TierBig       Tier = "big"
	TierHuge      Tier = "huge"
	TierMassive   Tier = "massive"
	TierLegendary Tier = "legendary"
)

// BalanceUpdate is emitted for every accepted balance reading, including
// deltas classified as none.
type BalanceUpdate struct {
	SessionID       string         `json:"session_id"`
	PreviousBalance float64        `json:"previous_balance"`
	NewBalance      float64        `json:"new_balance"`
	Delta           float64        `json:"delta"`
	Classification  Classification `json:"classification"`
	Wagered         float64        `json:"wagered"`
	Won             float64        `json:"won"`
	Timestamp       time.Time      `json:"timestamp"`
}

// BigWin is emitted when a win crosses a tier threshold.
type BigWin struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	StreamerID    string    `json:"streamer_id"`
	StreamerName  string    `json:"streamer_name,omitempty"`
	GameID        string    `json:"game_id"`
	GameName      string    `json:"game_name,omitempty"`
	BetAmount     float64   `json:"bet_amount"`
	WinAmount     float64   `json:"win_amount"`
	Multiplier    float64   `json:"multiplier"`
	Tier          Tier      `json:"tier"`
	ScreenshotURL string    `json:"screenshot_url,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StreamLifecycle carries stream_start and stream_end payloads.
type StreamLifecycle struct {
	SessionID    string    `json:"session_id"`
	StreamerID   string    `json:"streamer_id"`
	StreamerName string    `json:"streamer_name,omitempty"`
	GameID       string    `json:"game_id,omitempty"`
	FinalBalance *float64  `json:"final_balance,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// GameChange is emitted when a session switches to a different game.
type GameChange struct {
	SessionID      string    `json:"session_id"`
	StreamerID     string    `json:"streamer_id"`
	PreviousGameID string    `json:"previous_game_id"`
	GameID         string    `json:"game_id"`
	GameName       string    `json:"game_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ViewerUpdate carries a viewer count sample for a session.
type ViewerUpdate struct {
	SessionID string    `json:"session_id"`
	Viewers   int       `json:"viewers"`
	Timestamp time.Time `json:"timestamp"`
}

// BonusTrigger is emitted when a bonus round starts on a session.
type BonusTrigger struct {
	SessionID string    `json:"session_id"`
	GameID    string    `json:"game_id"`
	BetAmount float64   `json:"bet_amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BonusHunt carries bonus_hunt_start and bonus_hunt_end payloads.
type BonusHunt struct {
	HuntID       string    `json:"hunt_id"`
	SessionID    string    `json:"session_id"`
	StreamerID   string    `json:"streamer_id"`
	StartBalance float64   `json:"start_balance,omitempty"`
	EndBalance   float64   `json:"end_balance,omitempty"`
	BonusCount   int       `json:"bonus_count,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SlotTemperature carries slot_hot and slot_cold payloads.
type SlotTemperature struct {
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name,omitempty"`
	PayoutRatio float64   `json:"payout_ratio"`
	Wagered     float64   `json:"wagered"`
	Won         float64   `json:"won"`
	Timestamp   time.Time `json:"timestamp"`
}

// SystemAlert reports an operational condition.
type SystemAlert struct {
	Severity  string    `json:"severity"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
