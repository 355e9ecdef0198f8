package bus

import (
	"time"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Group     bool
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	// Segments, when non-empty, replaces Content with a typing-simulated
	// multi-part delivery; the channel sleeps between parts.
	Segments     []string
	SegmentDelay func(segment string) time.Duration
	// VoicePath points at a pre-rendered audio file delivered as a voice
	// note instead of the text. Nothing in this process renders audio.
	VoicePath string
	Metadata  map[string]any
}
