// Package chat defines the canonical message and channel models shared by
// the filter chain, the router and the platform adapters.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies where a message entered or is leaving the fabric.
type Platform string

const (
	PlatformGame   Platform = "game"
	PlatformSocial Platform = "social"
	PlatformBridge Platform = "bridge"
)

// Verdict is the filter chain's combined decision for a message.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictModify
	VerdictCancel
)

func (v Verdict) String() string {
	switch v {
	case VerdictModify:
		return "modify"
	case VerdictCancel:
		return "cancel"
	default:
		return "allow"
	}
}

// Author describes the sender as known at ingress. Rank fields are filled
// by the progression engine before formatting.
type Author struct {
	PlayerID    uuid.UUID
	ExternalID  string
	DisplayName string
	MainRank    int
	SubRank     int
	Priority    bool // staff and system senders skip overflow drops
}

// SenderKey is the dedup and infraction-tracking key for the author. A
// verified player keys on the platform id so infractions follow them
// across platforms; unverified senders key on the external identity.
func (a Author) SenderKey() string {
	if a.PlayerID != uuid.Nil {
		return "p:" + a.PlayerID.String()
	}
	return "x:" + a.ExternalID
}

// Message is one chat message flowing through the fabric. IngressID is
// assigned once at the edge and survives every hop, giving the router a
// stable dedup key.
type Message struct {
	IngressID string
	Origin    Platform
	Channel   string
	Author    Author

	RawText       string // exactly as typed
	CanonicalText string // after MODIFY verdicts

	Lang        string  // detected language tag, empty if undetected
	Translated  bool    // CanonicalText came from the translation layer
	Confidence  float64 // translation confidence, 0 when untranslated
	SourceText  string  // original text when Translated
	IsCommand   bool    // starts with the command escape
	ReceivedAt  time.Time
	ProcessedAt time.Time
}

// NewMessage builds an inbound message with a fresh ingress id. The
// canonical text starts equal to the raw text; filters rewrite it.
func NewMessage(origin Platform, channel string, author Author, text string) *Message {
	return &Message{
		IngressID:     uuid.New().String(),
		Origin:        origin,
		Channel:       channel,
		Author:        author,
		RawText:       text,
		CanonicalText: text,
		ReceivedAt:    time.Now(),
	}
}

// Channel is a named routing scope. Platform bindings decide which
// adapters receive traffic for the channel.
type Channel struct {
	Name      string
	Platforms []Platform
	Translate bool // route through the translation layer
}

// BoundTo reports whether the channel delivers to the given platform.
func (c Channel) BoundTo(p Platform) bool {
	for _, b := range c.Platforms {
		if b == p {
			return true
		}
	}
	return false
}
