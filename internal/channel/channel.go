// Package channel implements chat platform adapters and the outbound
// delivery path, including segmented sends.
package channel

import (
	"context"

	"github.com/stellarlinkco/nudge/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
	// Alive reports whether the channel can currently deliver. Dispatch
	// defers proactive sends on a dead channel instead of dropping them.
	Alive() bool
}

// BaseChannel holds what every channel adapter shares.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string {
	return b.name
}

// IsAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, id := range b.allowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}
